package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// HTTPService implements Service against a speaker-recognition HTTP endpoint
// accepting a multipart request: an audio file part plus a JSON segments
// part, per spec.md §6.
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

var _ Service = (*HTTPService)(nil)

// New creates an HTTPService posting to baseURL + "/recognize".
func New(baseURL string) *HTTPService {
	return &HTTPService{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type segmentsPayload struct {
	Segments []SegmentInput `json:"segments"`
}

type recognizeResponse struct {
	Segments []RecognizedSegment `json:"segments"`
}

func (s *HTTPService) Recognize(ctx context.Context, audio io.Reader, filename string, segments []SegmentInput) ([]RecognizedSegment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("speaker: create audio form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, fmt.Errorf("speaker: write audio data: %w", err)
	}

	segJSON, err := json.Marshal(segmentsPayload{Segments: segments})
	if err != nil {
		return nil, fmt.Errorf("speaker: marshal segments: %w", err)
	}
	if err := mw.WriteField("segments", string(segJSON)); err != nil {
		return nil, fmt.Errorf("speaker: write segments field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/recognize", &body)
	if err != nil {
		return nil, fmt.Errorf("speaker: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speaker: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speaker: read response body: %w", err)
	}

	var out recognizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("speaker: parse response: %w", err)
	}
	return out.Segments, nil
}
