package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine calls an external encode service over HTTP. The service runs
// the actual detector/embedder (dlib or facenet model); this client only
// ships bytes and interprets the response.
type RemoteEngine struct {
	tag     string
	baseURL string
	http    *http.Client
}

// NewRemoteEngine builds a client for the given engine tag.
func NewRemoteEngine(tag, baseURL string) *RemoteEngine {
	return &RemoteEngine{
		tag:     tag,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second, // face encoding can take time
		},
	}
}

// Tag returns the engine identifier stamped on produced vectors.
func (e *RemoteEngine) Tag() string { return e.tag }

// Extract posts the image and returns the feature vector. Failure modes map
// onto the package sentinels: 422 means no face, 400 means undecodable
// bytes, and transport failures mean the engine is unavailable.
func (e *RemoteEngine) Extract(ctx context.Context, image []byte) (Vector, error) {
	if len(image) == 0 {
		return Vector{}, ErrBadImage
	}

	body, _ := json.Marshal(map[string]string{
		"engine": e.tag,
		"image":  base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/encode", bytes.NewReader(body))
	if err != nil {
		return Vector{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return Vector{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return Vector{}, ErrNoFace
	case resp.StatusCode == http.StatusBadRequest:
		return Vector{}, ErrBadImage
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(resp.Body)
		return Vector{}, fmt.Errorf("%w: encode service %s: %s", ErrEngineUnavailable, resp.Status, string(msg))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Vector{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return Vector{}, ErrNoFace
	}
	return Vector{Engine: e.tag, Values: out.Embedding}, nil
}

// Health checks if the encode service is reachable.
func (e *RemoteEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("encode service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("encode service unhealthy: %s", resp.Status)
	}
	return nil
}
