package scenarios

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"downbeat/pkg/client"
	"downbeat/tests/fixtures"
)

// The foundation scenarios prove the harness itself: the application boots,
// the REST surface answers, and a controller can complete the full
// login-connect-disconnect cycle.

func TestFoundation_HealthAndStats(t *testing.T) {
	bus := fixtures.StartBus(t)

	resp, err := http.Get(bus.BaseURL + "/api/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from health, got %d", resp.StatusCode)
	}

	resp, err = http.Get(bus.BaseURL + "/api/stats")
	if err != nil {
		t.Fatalf("Stats request failed: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Stats response is not JSON: %v", err)
	}
	if stats["total_connections"] != 0 {
		t.Errorf("Expected no connections yet, got %d", stats["total_connections"])
	}
}

func TestFoundation_LoginConnectDisconnect(t *testing.T) {
	bus := fixtures.StartBus(t)

	ctrl := bus.ConnectAs(t, bus.School.Teacher)
	if got := ctrl.ConnectionInfo().Status; got != client.StatusOpen {
		t.Fatalf("Expected open controller, got %s", got)
	}

	// The registry reflects the live connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(bus.BaseURL + "/api/stats")
		if err != nil {
			t.Fatalf("Stats request failed: %v", err)
		}
		var stats map[string]int
		err = json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("Stats response is not JSON: %v", err)
		}
		if stats["total_connections"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Stats never reported the connection: %v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctrl.Disconnect()
	if got := ctrl.ConnectionInfo().Status; got != client.StatusIdle {
		t.Errorf("Expected idle after disconnect, got %s", got)
	}
}

func TestFoundation_BadLoginRejected(t *testing.T) {
	bus := fixtures.StartBus(t)

	body := `{"username":"` + bus.School.Teacher.Username + `","password":"wrong"}`
	resp, err := http.Post(bus.BaseURL+"/api/login", "application/json",
		strings.NewReader(body))
	if err != nil {
		t.Fatalf("Login request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a wrong password, got %d", resp.StatusCode)
	}
}
