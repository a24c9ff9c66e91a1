package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queueguard/internal/pipeline"
)

func TestMJPEGBroadcaster_StreamsFrames(t *testing.T) {
	b := NewMJPEGBroadcaster()
	b.OnQueueResult(&pipeline.QueueResult{ImageData: []byte("first"), ImageFormat: "jpeg"})

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "first", readPart(t, reader))

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	b.OnQueueResult(&pipeline.QueueResult{ImageData: []byte("second"), ImageFormat: "jpeg"})
	assert.Equal(t, "second", readPart(t, reader))

	// Results without an image are ignored
	b.OnQueueResult(&pipeline.QueueResult{})

	b.Close()
	_, err = reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestMJPEGBroadcaster_ClosedRejects(t *testing.T) {
	b := NewMJPEGBroadcaster()
	b.Close()

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func readPart(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var length int
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length: ") {
			_, err := fmt.Sscan(strings.TrimPrefix(line, "Content-Length: "), &length)
			require.NoError(t, err)
		}
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	return string(buf)
}
