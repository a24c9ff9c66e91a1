package detectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantName string
		wantErr  bool
	}{
		{name: "default is http", config: Config{Endpoint: "http://yolo:8081"}, wantName: "http"},
		{name: "grpc", config: Config{Kind: "grpc", Endpoint: "yolo:50051"}, wantName: "grpc"},
		{name: "unknown kind", config: Config{Kind: "onnx", Endpoint: "x"}, wantErr: true},
		{name: "missing endpoint", config: Config{Kind: "http"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, d.Name())
		})
	}
}
