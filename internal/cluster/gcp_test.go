package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	metadataRoot    = "/computeMetadata/v1"
	clusterNamePath = metadataRoot + "/instance/attributes/cluster-name"
	projectIDPath   = metadataRoot + "/project/project-id"
	zonePath        = metadataRoot + "/instance/zone"
)

func newMetadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != gkeMetadataFlavor {
			t.Errorf("Expected Metadata-Flavor header on %s", r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Metadata-Flavor", gkeMetadataFlavor)
		switch r.URL.Path {
		case metadataRoot + "/":
			w.WriteHeader(http.StatusOK)
		case clusterNamePath:
			_, _ = w.Write([]byte("modelserve-staging"))
		case projectIDPath:
			_, _ = w.Write([]byte("modelserve-infra"))
		case zonePath:
			_, _ = w.Write([]byte("projects/123456789/zones/europe-west4-b"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestGKESource_Detect(t *testing.T) {
	server := newMetadataServer(t)
	defer server.Close()

	source := NewGKESourceWithURL(&http.Client{Timeout: 2 * time.Second}, server.URL+metadataRoot)
	if !source.Detect(context.Background()) {
		t.Error("Expected Detect to succeed against a metadata server")
	}
}

func TestGKESource_DetectWithoutFlavorHeader(t *testing.T) {
	// A 200 without the Metadata-Flavor header is some other server
	// squatting on the address, not GKE.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := NewGKESourceWithURL(&http.Client{Timeout: 2 * time.Second}, server.URL+metadataRoot)
	if source.Detect(context.Background()) {
		t.Error("Expected Detect to fail without the Metadata-Flavor header")
	}
}

func TestGKESource_DetectUnreachable(t *testing.T) {
	source := NewGKESourceWithURL(&http.Client{Timeout: 100 * time.Millisecond}, "http://192.0.2.1"+metadataRoot)
	if source.Detect(context.Background()) {
		t.Error("Expected Detect to fail when the metadata address is unreachable")
	}
}

func TestGKESource_Resolve(t *testing.T) {
	server := newMetadataServer(t)
	defer server.Close()

	source := NewGKESourceWithURL(&http.Client{Timeout: 2 * time.Second}, server.URL+metadataRoot)
	identity, err := source.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if identity.ClusterID != "gcp/modelserve-infra/europe-west4/modelserve-staging" {
		t.Errorf("Unexpected cluster ID %q", identity.ClusterID)
	}
	if identity.Provider != ProviderGCP {
		t.Errorf("Expected provider %q, got %q", ProviderGCP, identity.Provider)
	}
	if identity.Region != "europe-west4" {
		t.Errorf("Expected region europe-west4, got %q", identity.Region)
	}
	if identity.Name != "modelserve-staging" || identity.Project != "modelserve-infra" {
		t.Errorf("Unexpected identity fields: %+v", identity)
	}
}

func TestGKESource_ResolveMissingClusterName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Metadata-Flavor", gkeMetadataFlavor)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	source := NewGKESourceWithURL(&http.Client{Timeout: 2 * time.Second}, server.URL+metadataRoot)
	if _, err := source.Resolve(context.Background()); err == nil {
		t.Error("Expected an error when the cluster name attribute is absent")
	}
}

func TestRegionOf(t *testing.T) {
	tests := []struct {
		zone     string
		expected string
	}{
		{"us-central1-a", "us-central1"},
		{"europe-west4-b", "europe-west4"},
		{"asia-east1-c", "asia-east1"},
		{"southamerica-east1-a", "southamerica-east1"},
		{"nozone", "nozone"},
	}

	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			if got := regionOf(tt.zone); got != tt.expected {
				t.Errorf("regionOf(%q) = %q, want %q", tt.zone, got, tt.expected)
			}
		})
	}
}
