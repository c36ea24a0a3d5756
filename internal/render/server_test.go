package render

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NewMux(t *testing.T) {
	tests := []struct {
		name         string
		withSnapshot bool
		path         string
		expected     int
	}{
		{name: "Hub not started", path: "/ws", expected: http.StatusServiceUnavailable},
		{name: "No snapshot yet", withSnapshot: true, path: "/snapshot.png", expected: http.StatusServiceUnavailable},
		{name: "Snapshots disabled", path: "/snapshot.png", expected: http.StatusNotFound},
		{name: "Unknown path", withSnapshot: true, path: "/metrics", expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var snap *Snapshotter
			if tt.withSnapshot {
				snap = NewSnapshotter(SnapshotConfig{})
			}
			mux := NewMux(NewHub(HubConfig{}), snap)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}
