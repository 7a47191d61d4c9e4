package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// HTTPAdapter is the default ProtocolAdapter: a generic streaming GET for
// downloads and a Microsoft-Graph-shaped resumable-upload-session client
// for uploads. The core depends only on the ProtocolAdapter interface,
// never on this concrete type.
type HTTPAdapter struct {
	client *http.Client
	logger *slog.Logger
	bw     *BandwidthManager
}

func NewHTTPAdapter(logger *slog.Logger, bw *BandwidthManager) *HTTPAdapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPAdapter{
		client: &http.Client{Transport: transport},
		logger: logger,
		bw:     bw,
	}
}

// StreamGet downloads url into destination, polling cancel every
// ReadBufferSize bytes.
func (a *HTTPAdapter) StreamGet(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, WrapError(KindTransient, "building download request", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, WrapError(KindTransient, "download request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		return 0, err
	}

	f, err := os.Create(destination)
	if err != nil {
		return 0, WrapError(KindValidation, "creating destination file", err)
	}
	defer f.Close()

	buf := make([]byte, ReadBufferSize)
	var written int64
	for {
		if cancel.IsSet() {
			return written, NewError(KindCancelled, "download cancelled")
		}
		if a.bw != nil {
			if err := a.bw.Wait(ctx, len(buf)); err != nil {
				return written, WrapError(KindTransient, "bandwidth wait interrupted", err)
			}
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, WrapError(KindTransient, "writing destination file", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, WrapError(KindTransient, "reading response body", readErr)
		}
	}
	return written, nil
}

// PutSmall uploads the full contents of body in a single request.
func (a *HTTPAdapter) PutSmall(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error) {
	reader := &progressReaderAt{inner: body, size: size, progress: progress, cancel: cancel}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "https://graph.microsoft.com/v1.0/me/drive/items/"+url+":/content", io.NewSectionReader(reader, 0, size))
	if err != nil {
		return nil, WrapError(KindTransient, "building upload request", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, WrapError(KindTransient, "upload request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var item graphItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, WrapError(KindTransient, "decoding upload response", err)
	}
	return &RemoteSummary{RemoteID: item.ID, Size: item.Size, MimeType: item.File.MimeType}, nil
}

type graphItem struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
	File struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

type createSessionRequest struct {
	Item struct {
		ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
	} `json:"item"`
}

type sessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// CreateSession opens a resumable upload session, grounded on
// onedrive-go's CreateUploadSession.
func (a *HTTPAdapter) CreateSession(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error) {
	behavior := "rename"
	if overwrite {
		behavior = "replace"
	}
	reqBody := createSessionRequest{}
	reqBody.Item.ConflictBehavior = behavior
	payload, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://graph.microsoft.com/v1.0/me/drive/items/"+url+":/createUploadSession", bytes.NewReader(payload))
	if err != nil {
		return nil, WrapError(KindTransient, "building create-session request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, WrapError(KindTransient, "create-session request failed", err)
	}
	defer resp.Body.Close()
	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, WrapError(KindTransient, "decoding create-session response", err)
	}
	exp, _ := time.Parse(time.RFC3339, sr.ExpirationDateTime)
	return &SessionInfo{UploadURL: sr.UploadURL, Expiration: exp, NextExpectedRanges: sr.NextExpectedRanges}, nil
}

// QuerySession asks the server for the current session status, grounded
// on onedrive-go's QueryUploadSession.
func (a *HTTPAdapter) QuerySession(ctx context.Context, uploadURL, bearer string) (*QueryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uploadURL, nil)
	if err != nil {
		return nil, WrapError(KindTransient, "building query-session request", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, WrapError(KindSessionExpired, "session query failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, NewError(KindSessionExpired, "upload session no longer exists")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(KindSessionExpired, "reading query-session response", err)
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var item graphItem
		if err := json.Unmarshal(body, &item); err == nil && item.ID != "" {
			return &QueryResult{FinalItem: &RemoteSummary{RemoteID: item.ID, Size: item.Size, MimeType: item.File.MimeType}}, nil
		}
	}

	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, WrapError(KindSessionExpired, "decoding query-session response", err)
	}
	exp, _ := time.Parse(time.RFC3339, sr.ExpirationDateTime)
	return &QueryResult{NextExpectedRanges: sr.NextExpectedRanges, Expiration: exp}, nil
}

// UploadChunk uploads one Content-Range-addressed chunk, grounded on
// onedrive-go's UploadChunk/handleChunkResponse.
func (a *HTTPAdapter) UploadChunk(ctx context.Context, uploadURL, bearer string, start, end, total int64, chunk io.ReaderAt) (*ChunkResult, error) {
	length := end - start + 1
	reader := io.NewSectionReader(chunk, 0, length)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, reader)
	if err != nil {
		return nil, WrapError(KindTransient, "building chunk request", err)
	}
	req.ContentLength = length
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, WrapError(KindTransient, "chunk request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return &ChunkResult{Outcome: ChunkContinue, NextOffset: end + 1}, nil
	case http.StatusOK, http.StatusCreated:
		var item graphItem
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return nil, WrapError(KindTransient, "decoding final chunk response", err)
		}
		return &ChunkResult{Outcome: ChunkCompleted, Item: &RemoteSummary{RemoteID: item.ID, Size: item.Size, MimeType: item.File.MimeType}}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		var sr sessionResponse
		json.NewDecoder(resp.Body).Decode(&sr)
		next := nextOffsetFromRanges(sr.NextExpectedRanges)
		return &ChunkResult{Outcome: ChunkRangeMismatch, ServerNext: next}, nil
	case http.StatusNotFound, http.StatusGone:
		return &ChunkResult{Outcome: ChunkSessionExpired}, nil
	default:
		return nil, classifyHTTPStatus(resp.StatusCode)
	}
}

// CancelSession best-effort deletes an upload session.
func (a *HTTPAdapter) CancelSession(ctx context.Context, uploadURL, bearer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return nil
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyHTTPStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthRejected, fmt.Sprintf("credential rejected with status %d", status))
	case status == http.StatusNotFound:
		return NewError(KindNotFound, "remote object not found")
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return NewError(KindPreconditionFailed, fmt.Sprintf("precondition failed with status %d", status))
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return NewError(KindTransient, fmt.Sprintf("transient upstream error, status %d", status))
	default:
		return NewError(KindTransient, fmt.Sprintf("unexpected status %d", status))
	}
}

// progressReaderAt wraps an io.ReaderAt, invoking progress on each ReadAt
// and polling cancel at each call boundary, used by the small-file upload
// path's single request body.
type progressReaderAt struct {
	inner    io.ReaderAt
	size     int64
	progress ProgressFunc
	cancel   *CancelFlag
	read     int64
}

func (r *progressReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.cancel != nil && r.cancel.IsSet() {
		return 0, NewError(KindCancelled, "upload cancelled")
	}
	n, err := r.inner.ReadAt(p, off)
	if n > 0 {
		r.read += int64(n)
		if r.progress != nil {
			r.progress(r.read)
		}
	}
	return n, err
}
