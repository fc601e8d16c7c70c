package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an Oxia endpoint for integration tests.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
	dir        string
}

// Addr returns the service address.
func (s *TestServer) Addr() string {
	return s.addr
}

// Close stops an embedded server and removes its data.
func (s *TestServer) Close() error {
	var err error
	if s.standalone != nil {
		err = s.standalone.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	return err
}

// StartTestServer returns the server named by OXIA_SERVICE_ADDRESS, or
// starts an embedded standalone server that is closed with the test.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		return &TestServer{addr: addr}
	}

	dir, err := os.MkdirTemp("", "ttlmerge-oxia-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(dir))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to start Oxia standalone server: %v", err)
	}
	server := &TestServer{standalone: standalone, addr: standalone.ServiceAddr(), dir: dir}
	t.Cleanup(func() { server.Close() })
	return server
}
