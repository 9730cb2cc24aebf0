package fixtures

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"downbeat/internal/app"
	"downbeat/internal/config"
)

// Bus is a running application instance plus two seeded tenants, so every
// scenario can assert tenancy isolation against real traffic.
type Bus struct {
	App     *app.Application
	BaseURL string

	// School is the primary tenant; Other exists to catch cross-tenant
	// leaks.
	School *School
	Other  *School
}

// StartBus boots a full application on a loopback port with a temporary
// directory database and seeds both schools. Shutdown is registered as a
// test cleanup.
func StartBus(t *testing.T) *Bus {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "directory.db")
	cfg.Auth.TokenTTL = time.Hour

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}

	bus := &Bus{
		App:     application,
		BaseURL: fmt.Sprintf("http://%s", application.Addr()),
		School:  seedSchool(t, application.Directory(), "Downbeat Academy", "da_"),
		Other:   seedSchool(t, application.Directory(), "Rival Conservatory", "rc_"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = application.Stop(stopCtx)
	})

	return bus
}

// freePort asks the kernel for an unused loopback port.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
