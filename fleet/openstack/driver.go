// Package openstack implements the fleet capability interface against an
// OpenStack compute endpoint. Node identity lives in server metadata so the
// scheduler-visible name survives server rename and rebuild.
package openstack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/gophercloud/gophercloud"
	gopherstack "github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/namegen"
)

const (
	metaNodeName       = "slurmbridge-node"
	metaNodeArray      = "slurmbridge-nodearray"
	metaPlacementGroup = "slurmbridge-placement-group"
)

type Driver struct {
	client *gophercloud.ServiceClient
	config Config
	log    *slog.Logger
}

// Driver implements fleet.Client
var _ fleet.Client = (*Driver)(nil)

func NewDriver(config Config, log *slog.Logger) (*Driver, error) {
	opts, err := gopherstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := gopherstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region := config.Region
	if region == "" {
		region = os.Getenv("OS_REGION_NAME")
	}
	client, err := gopherstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return &Driver{client: client, config: config, log: log}, nil
}

func (d *Driver) ListNodes(ctx context.Context) ([]fleet.Node, error) {
	pages, err := servers.List(d.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	var nodes []fleet.Node
	for _, server := range all {
		array := server.Metadata[metaNodeArray]
		if array == "" {
			continue // not one of ours
		}
		arrayConfig, found := d.config.NodeArrays[array]
		if !found {
			d.log.Warn("Server belongs to an unconfigured node array", "server", server.Name, "nodearray", array)
			continue
		}

		name := server.Metadata[metaNodeName]
		if name == "" {
			name = server.Name
		}

		nodes = append(nodes, fleet.Node{
			Name:                  name,
			NodeArray:             array,
			Hostname:              server.Name,
			PrivateIP:             firstIPv4(server.Addresses),
			Status:                nodeStatus(server.Status),
			TargetStatus:          fleet.TargetStarted,
			PlacementGroup:        server.Metadata[metaPlacementGroup],
			BucketID:              array,
			InstanceID:            server.ID,
			GPUCount:              arrayConfig.GPUCount,
			SoftwareConfiguration: arrayConfig.SoftwareConfiguration,
		})
	}
	return nodes, nil
}

func (d *Driver) ListBuckets(ctx context.Context) ([]fleet.Bucket, error) {
	arrays := make([]string, 0, len(d.config.NodeArrays))
	for array := range d.config.NodeArrays {
		arrays = append(arrays, array)
	}
	sort.Strings(arrays)

	buckets := make([]fleet.Bucket, 0, len(arrays))
	for _, array := range arrays {
		arrayConfig := d.config.NodeArrays[array]

		flavor, err := flavors.Get(d.client, arrayConfig.Flavor).Extract()
		if err != nil {
			return nil, fmt.Errorf("failed to get flavor '%s' of node array '%s': %w", arrayConfig.Flavor, array, err)
		}

		threads := max(1, arrayConfig.ThreadsPerCore)
		buckets = append(buckets, fleet.Bucket{
			ID:                    array,
			NodeArray:             array,
			VMSize:                flavor.Name,
			MaxCount:              arrayConfig.MaxCount,
			MaxPlacementGroupSize: arrayConfig.MaxPlacementGroupSize,
			VCPUCount:             flavor.VCPUs,
			PCPUCount:             max(1, flavor.VCPUs/threads),
			MemoryMB:              flavor.RAM,
			GPUCount:              arrayConfig.GPUCount,
			SoftwareConfiguration: arrayConfig.SoftwareConfiguration,
		})
	}
	return buckets, nil
}

func (d *Driver) Allocate(ctx context.Context, bucketID string, count int, opts fleet.AllocateOptions) ([]fleet.Node, error) {
	arrayConfig, found := d.config.NodeArrays[bucketID]
	if !found {
		return nil, fmt.Errorf("unknown node array '%s'", bucketID)
	}

	nodes := make([]fleet.Node, 0, count)
	for i := 0; i < count; i++ {
		name := opts.NodeName
		if name == "" {
			name = namegen.Server(bucketID).String()
		}

		metadata := map[string]string{
			metaNodeName:  name,
			metaNodeArray: bucketID,
		}
		if opts.Exclusive {
			metadata[metaPlacementGroup] = fmt.Sprintf("%s-%s", bucketID, arrayConfig.Flavor)
		}

		server, err := servers.Create(d.client, servers.CreateOpts{
			Name:           name,
			ImageRef:       arrayConfig.Image,
			FlavorRef:      arrayConfig.Flavor,
			Networks:       arrayConfig.Networks,
			SecurityGroups: arrayConfig.SecurityGroups,
			Metadata:       metadata,
		}).Extract()
		if err != nil {
			return nil, fmt.Errorf("failed to create server '%s': %w", name, err)
		}

		d.log.Info("Created server", "server", name, "nodearray", bucketID)
		nodes = append(nodes, fleet.Node{
			Name:                  name,
			NodeArray:             bucketID,
			Hostname:              name,
			Status:                nodeStatus(server.Status),
			TargetStatus:          fleet.TargetStarted,
			PlacementGroup:        metadata[metaPlacementGroup],
			BucketID:              bucketID,
			InstanceID:            server.ID,
			GPUCount:              arrayConfig.GPUCount,
			SoftwareConfiguration: arrayConfig.SoftwareConfiguration,
		})
	}
	return nodes, nil
}

func (d *Driver) Bootup(ctx context.Context, nodes []fleet.Node) (string, error) {
	operationID := namegen.Operation().String()
	for _, node := range nodes {
		// Freshly created servers are already powering on.
		if node.Status != fleet.StatusOff {
			continue
		}
		if err := startstop.Start(d.client, node.InstanceID).ExtractErr(); err != nil {
			return "", fmt.Errorf("failed to start server '%s': %w", node.Name, err)
		}
		d.log.Info("Started server", "server", node.Name, "operation", operationID)
	}
	return operationID, nil
}

func (d *Driver) Shutdown(ctx context.Context, nodes []fleet.Node) error {
	for _, node := range nodes {
		if node.InstanceID == "" {
			continue
		}
		if err := startstop.Stop(d.client, node.InstanceID).ExtractErr(); err != nil {
			if _, gone := err.(gophercloud.ErrDefault404); gone {
				d.log.Debug("Server already gone", "server", node.Name)
				continue
			}
			return fmt.Errorf("failed to stop server '%s': %w", node.Name, err)
		}
		d.log.Info("Stopped server", "server", node.Name)
	}
	return nil
}

// nodeStatus maps nova server states onto the lifecycle tags the engine
// branches on; anything unmapped is carried through verbatim.
func nodeStatus(status string) fleet.NodeStatus {
	switch status {
	case "ACTIVE":
		return fleet.StatusReady
	case "BUILD", "REBOOT", "HARD_REBOOT":
		return fleet.StatusAcquiring
	case "ERROR":
		return fleet.StatusFailed
	case "SHUTOFF", "STOPPED":
		return fleet.StatusOff
	default:
		return fleet.NodeStatus(status)
	}
}

// firstIPv4 digs the first v4 address out of nova's loosely typed address map.
func firstIPv4(addresses map[string]any) string {
	for _, networkAddresses := range addresses {
		list, ok := networkAddresses.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			address, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if version, ok := address["version"].(float64); !ok || version != 4 {
				continue
			}
			if addr, ok := address["addr"].(string); ok {
				return addr
			}
		}
	}
	return ""
}
