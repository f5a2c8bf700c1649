// Package hostlist converts between explicit node name lists and the compact
// bracketed range expressions the scheduler uses, e.g. "hpc-[1-3,7],htc-1".
package hostlist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MalformedError reports a hostlist expression that cannot be parsed.
type MalformedError struct {
	Expr   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed hostlist %q: %s", e.Expr, e.Reason)
}

// Expand parses a comma-separated hostlist expression into an ordered list of
// node names. Each token is either a literal name or a "prefix[range,...]"
// form where a range is a single integer or a zero-padded "lo-hi" bound.
// Zero-padding width is preserved from the literal bounds.
func Expand(expr string) ([]string, error) {
	var names []string
	for _, token := range splitTokens(expr) {
		if token == "" {
			continue
		}
		open := strings.IndexByte(token, '[')
		if open < 0 {
			if strings.IndexByte(token, ']') >= 0 {
				return nil, &MalformedError{Expr: expr, Reason: "unbalanced brackets"}
			}
			names = append(names, token)
			continue
		}
		close := strings.IndexByte(token, ']')
		if close < open {
			return nil, &MalformedError{Expr: expr, Reason: "unbalanced brackets"}
		}
		prefix, suffix := token[:open], token[close+1:]
		if strings.ContainsAny(suffix, "[]") {
			return nil, &MalformedError{Expr: expr, Reason: "unbalanced brackets"}
		}
		for _, r := range strings.Split(token[open+1:close], ",") {
			expanded, err := expandRange(expr, r)
			if err != nil {
				return nil, err
			}
			for _, num := range expanded {
				names = append(names, prefix+num+suffix)
			}
		}
	}
	return names, nil
}

// splitTokens splits on commas that are not enclosed in brackets.
func splitTokens(expr string) []string {
	var tokens []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				tokens = append(tokens, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	return append(tokens, strings.TrimSpace(expr[start:]))
}

func expandRange(expr, r string) ([]string, error) {
	lo, hi, isRange := strings.Cut(r, "-")
	loN, err := strconv.Atoi(lo)
	if err != nil {
		return nil, &MalformedError{Expr: expr, Reason: fmt.Sprintf("non-numeric range bound %q", lo)}
	}
	if !isRange {
		return []string{lo}, nil
	}
	hiN, err := strconv.Atoi(hi)
	if err != nil {
		return nil, &MalformedError{Expr: expr, Reason: fmt.Sprintf("non-numeric range bound %q", hi)}
	}
	if hiN < loN {
		return nil, &MalformedError{Expr: expr, Reason: fmt.Sprintf("reversed range %s-%s", lo, hi)}
	}
	width := len(lo)
	nums := make([]string, 0, hiN-loN+1)
	for n := loN; n <= hiN; n++ {
		nums = append(nums, fmt.Sprintf("%0*d", width, n))
	}
	return nums, nil
}

// Compress is the inverse of Expand: names sharing a non-numeric prefix whose
// numeric suffixes form contiguous runs are folded into "prefix[lo-hi,...]";
// names without a numeric suffix are emitted as bare literals. The result is
// sorted, so Compress(Expand(x)) preserves membership but not necessarily the
// original formatting.
func Compress(names []string) string {
	type group struct {
		prefix string
		width  int
		nums   []int
	}
	groups := map[string]*group{}
	var order []string
	var literals []string

	for _, name := range names {
		prefix, digits := splitNumericSuffix(name)
		if digits == "" {
			literals = append(literals, name)
			continue
		}
		key := fmt.Sprintf("%s|%d", prefix, len(digits))
		g, ok := groups[key]
		if !ok {
			g = &group{prefix: prefix, width: len(digits)}
			groups[key] = g
			order = append(order, key)
		}
		num, _ := strconv.Atoi(digits)
		g.nums = append(g.nums, num)
	}

	sort.Strings(order)
	sort.Strings(literals)

	var tokens []string
	for _, key := range order {
		g := groups[key]
		sort.Ints(g.nums)
		g.nums = dedupeInts(g.nums)

		if len(g.nums) == 1 {
			tokens = append(tokens, fmt.Sprintf("%s%0*d", g.prefix, g.width, g.nums[0]))
			continue
		}

		var ranges []string
		for i := 0; i < len(g.nums); {
			j := i
			for j+1 < len(g.nums) && g.nums[j+1] == g.nums[j]+1 {
				j++
			}
			if i == j {
				ranges = append(ranges, fmt.Sprintf("%0*d", g.width, g.nums[i]))
			} else {
				ranges = append(ranges, fmt.Sprintf("%0*d-%0*d", g.width, g.nums[i], g.width, g.nums[j]))
			}
			i = j + 1
		}
		tokens = append(tokens, fmt.Sprintf("%s[%s]", g.prefix, strings.Join(ranges, ",")))
	}
	tokens = append(tokens, literals...)

	return strings.Join(tokens, ",")
}

func dedupeInts(nums []int) []int {
	out := nums[:1]
	for _, n := range nums[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}

func splitNumericSuffix(name string) (prefix, digits string) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	return name[:i], name[i:]
}

// SortKey returns a key function ordering node names primarily by their
// numeric suffix. When honorPlacementGroups is true, names are clustered by
// prefix first so that nodes of the same placement group sort adjacently,
// which is what topology and GRES rendering rely on for stable output.
func SortKey(honorPlacementGroups bool) func(string) string {
	return func(name string) string {
		prefix, digits := splitNumericSuffix(name)
		num := 0
		if digits != "" {
			num, _ = strconv.Atoi(digits)
		}
		if honorPlacementGroups {
			return fmt.Sprintf("%s/%012d", prefix, num)
		}
		return fmt.Sprintf("%012d/%s", num, prefix)
	}
}

// Sort orders names in place using SortKey.
func Sort(names []string, honorPlacementGroups bool) {
	key := SortKey(honorPlacementGroups)
	sort.SliceStable(names, func(i, j int) bool {
		return key(names[i]) < key(names[j])
	})
}
