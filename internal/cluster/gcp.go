package cluster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
)

const (
	gkeMetadataBase   = "http://metadata.google.internal/computeMetadata/v1"
	gkeMetadataFlavor = "Google"
)

// GKESource resolves the cluster identity from the GCE metadata service
// reachable inside GKE nodes.
type GKESource struct {
	client  *http.Client
	baseURL string
}

// NewGKESource creates a source pointed at the real metadata service.
func NewGKESource(client *http.Client) *GKESource {
	return &GKESource{client: client, baseURL: gkeMetadataBase}
}

// NewGKESourceWithURL points the source at a custom metadata address.
func NewGKESourceWithURL(client *http.Client, baseURL string) *GKESource {
	return &GKESource{client: client, baseURL: baseURL}
}

// Provider implements Source.
func (s *GKESource) Provider() Provider { return ProviderGCP }

// Detect probes the metadata root. A real metadata server answers 200 and
// echoes the Metadata-Flavor header; anything else is not GKE.
func (s *GKESource) Detect(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", gkeMetadataFlavor)

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK &&
		resp.Header.Get("Metadata-Flavor") == gkeMetadataFlavor
}

// Resolve reads the cluster name, project and zone and composes the
// cluster ID as gcp/<project>/<region>/<cluster-name>. Published events
// and Pub/Sub ordering keys embed this value, so its shape must not
// change between controller versions.
func (s *GKESource) Resolve(ctx context.Context) (*Identity, error) {
	name, err := s.metadataValue(ctx, "/instance/attributes/cluster-name")
	if err != nil {
		return nil, fmt.Errorf("cluster-name lookup: %w", err)
	}

	project, err := s.metadataValue(ctx, "/project/project-id")
	if err != nil {
		return nil, fmt.Errorf("project-id lookup: %w", err)
	}

	zone, err := s.metadataValue(ctx, "/instance/zone")
	if err != nil {
		return nil, fmt.Errorf("zone lookup: %w", err)
	}
	// The zone value arrives as projects/<number>/zones/<zone>.
	region := regionOf(path.Base(zone))

	return &Identity{
		ClusterID: fmt.Sprintf("gcp/%s/%s/%s", project, region, name),
		Name:      name,
		Provider:  ProviderGCP,
		Region:    region,
		Project:   project,
	}, nil
}

func (s *GKESource) metadataValue(ctx context.Context, suffix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+suffix, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", gkeMetadataFlavor)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata request for %s failed with status %d", suffix, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// regionOf strips the zone suffix (us-central1-a becomes us-central1).
func regionOf(zone string) string {
	lastDash := strings.LastIndex(zone, "-")
	if lastDash == -1 {
		return zone
	}
	return zone[:lastDash]
}
