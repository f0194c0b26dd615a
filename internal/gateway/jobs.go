package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

const (
	prefixDataProduct = "dp"
	prefixArchive     = "archive"
	prefixCalibration = "calibration"

	// unstartedTTL bounds how long a request whose run failed is reused by later submissions.
	unstartedTTL = time.Hour
)

// SubmitJob starts a remote job for d. Archive and calibration jobs need no server-side processing,
// so their handles are minted locally.
func (c *Client) SubmitJob(ctx context.Context, d models.RequestDescriptor) (models.JobHandle, error) {
	h := models.JobHandle{Descriptor: d, SubmittedAt: c.now().UTC()}
	switch d.ProductType {
	case models.DataProduct:
		id, err := c.submitDataProduct(ctx, d)
		if err != nil {
			return models.JobHandle{}, err
		}
		h.RemoteJobID = id
	case models.Archive:
		if d.DeviceID == "" && d.LocationID == "" {
			return models.JobHandle{}, errkind.Errorf(errkind.Validation, "submit", "archive request needs a device or location")
		}
		h.RemoteJobID = prefixArchive + ":" + d.Slug()
	case models.Calibration:
		if d.DeviceID == "" {
			return models.JobHandle{}, errkind.Errorf(errkind.Validation, "submit", "calibration request needs a device")
		}
		h.RemoteJobID = prefixCalibration + ":" + d.DeviceID
	default:
		return models.JobHandle{}, errkind.Errorf(errkind.Validation, "submit", "unknown product type %q", d.ProductType)
	}
	return h, nil
}

func (c *Client) submitDataProduct(ctx context.Context, d models.RequestDescriptor) (string, error) {
	if !d.Range.Valid() {
		return "", errkind.Errorf(errkind.InvalidRange, "submit", "invalid range %s", d.Range)
	}
	key := d.Key()
	if cached, ok := c.unstarted.Get(key); ok {
		return c.runDataProduct(ctx, key, cached.(int64))
	}

	q := url.Values{}
	setIf(q, "locationCode", d.LocationID)
	setIf(q, "deviceCode", d.DeviceID)
	q.Set("deviceCategoryCode", deviceCategory)
	q.Set("dataProductCode", d.Format.DataProductCode())
	q.Set("extension", d.Format.Extension())
	q.Set("dateFrom", d.Range.Start.UTC().Format(apiTime))
	q.Set("dateTo", d.Range.End.UTC().Format(apiTime))
	for k, v := range d.Params() {
		q.Set(k, v)
	}

	var req struct {
		DPRequestID int64 `json:"dpRequestId"`
	}
	if err := c.getJSON(ctx, "submit", "api/dataProductDelivery/request", q, &req); err != nil {
		return "", err
	}
	if req.DPRequestID == 0 {
		return "", errkind.Errorf(errkind.Validation, "submit", "request accepted without dpRequestId")
	}
	return c.runDataProduct(ctx, key, req.DPRequestID)
}

// runDataProduct starts a run for an accepted request. On failure the request is remembered under
// key so the next submission for the same descriptor retries the run instead of filing a new request.
func (c *Client) runDataProduct(ctx context.Context, key string, requestID int64) (string, error) {
	var runs []struct {
		DPRunID int64  `json:"dpRunId"`
		Status  string `json:"status"`
	}
	runQuery := url.Values{"dpRequestId": {strconv.FormatInt(requestID, 10)}}
	err := c.getJSON(ctx, "submit", "api/dataProductDelivery/run", runQuery, &runs)
	if err == nil && (len(runs) == 0 || runs[0].DPRunID == 0) {
		err = errkind.Errorf(errkind.TransientNetwork, "submit", "request %d started no run", requestID)
	}
	if err != nil {
		c.unstarted.Set(key, requestID, cache.DefaultExpiration)
		return "", err
	}
	c.unstarted.Delete(key)
	return fmt.Sprintf("%s:%d:%d", prefixDataProduct, requestID, runs[0].DPRunID), nil
}

// PollJob reports the remote status of a submitted job.
func (c *Client) PollJob(ctx context.Context, h models.JobHandle) (models.JobStatus, error) {
	id, err := parseRemoteID(h.RemoteJobID)
	if err != nil {
		return models.JobStatus{}, err
	}
	if id.prefix != prefixDataProduct {
		return models.JobStatus{State: models.StatusReady}, nil
	}

	var raw json.RawMessage
	q := url.Values{"dpRequestId": {strconv.FormatInt(id.requestID, 10)}}
	if err := c.getJSON(ctx, "poll", "api/dataProductDelivery/status", q, &raw); err != nil {
		return models.JobStatus{}, err
	}
	st, err := decodeStatus(raw)
	if err != nil {
		return models.JobStatus{}, errkind.New(errkind.TransientNetwork, "poll", err)
	}
	return st, nil
}

type statusBody struct {
	SearchHdrStatus string `json:"searchHdrStatus"`
	Status          string `json:"status"`
	Errors          []struct {
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	} `json:"errors"`
}

// decodeStatus accepts both the object form and the single-element list form of the status response.
func decodeStatus(raw json.RawMessage) (models.JobStatus, error) {
	var body statusBody
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []statusBody
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return models.JobStatus{}, fmt.Errorf("decode status: %w", err)
		}
		if len(list) == 0 {
			return models.JobStatus{}, fmt.Errorf("decode status: empty list")
		}
		body = list[0]
	} else if err := json.Unmarshal(trimmed, &body); err != nil {
		return models.JobStatus{}, fmt.Errorf("decode status: %w", err)
	}

	status := body.SearchHdrStatus
	if status == "" {
		status = body.Status
	}
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "QUEUED", "PENDING", "SUBMITTED":
		return models.JobStatus{State: models.StatusQueued}, nil
	case "COMPLETE", "COMPLETED":
		return models.JobStatus{State: models.StatusReady}, nil
	case "FAILED", "CANCELLED", "ERROR", "ABORTED":
		var reasons []string
		for _, e := range body.Errors {
			if e.ErrorMessage != "" {
				reasons = append(reasons, e.ErrorMessage)
			} else if e.Message != "" {
				reasons = append(reasons, e.Message)
			}
		}
		reason := strings.Join(reasons, "; ")
		if reason == "" {
			reason = strings.ToLower(status)
		}
		return models.JobStatus{State: models.StatusFailed, Reason: reason}, nil
	default:
		return models.JobStatus{State: models.StatusRunning}, nil
	}
}

// FetchResult lists the files a finished job produced.
func (c *Client) FetchResult(ctx context.Context, h models.JobHandle) (models.ResultManifest, error) {
	id, err := parseRemoteID(h.RemoteJobID)
	if err != nil {
		return models.ResultManifest{}, err
	}
	switch id.prefix {
	case prefixDataProduct:
		return c.fetchDataProduct(ctx, id.runID)
	case prefixArchive:
		return c.fetchArchive(ctx, h.Descriptor)
	default:
		// calibration records travel through FetchCalibration
		return models.ResultManifest{}, nil
	}
}

func (c *Client) fetchDataProduct(ctx context.Context, runID int64) (models.ResultManifest, error) {
	var body struct {
		Files []struct {
			Index    int    `json:"index"`
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
			Checksum string `json:"checksum"`
		} `json:"files"`
	}
	run := strconv.FormatInt(runID, 10)
	if err := c.getJSON(ctx, "fetch", "api/dataProductDelivery/files", url.Values{"dpRunId": {run}}, &body); err != nil {
		return models.ResultManifest{}, err
	}

	m := models.ResultManifest{Entries: make([]models.ManifestEntry, 0, len(body.Files))}
	for _, f := range body.Files {
		u := c.base.JoinPath("api/dataProductDelivery/download")
		u.RawQuery = url.Values{"dpRunId": {run}, "index": {strconv.Itoa(f.Index)}}.Encode()
		m.Entries = append(m.Entries, models.ManifestEntry{
			RemoteName:  f.Filename,
			ByteSize:    f.Size,
			Checksum:    f.Checksum,
			DownloadURL: u.String(),
		})
	}
	return m, nil
}

func (c *Client) fetchArchive(ctx context.Context, d models.RequestDescriptor) (models.ResultManifest, error) {
	q := url.Values{}
	setIf(q, "locationCode", d.LocationID)
	setIf(q, "deviceCode", d.DeviceID)
	q.Set("deviceCategoryCode", deviceCategory)
	q.Set("dateFrom", d.Range.Start.UTC().Format(apiTime))
	q.Set("dateTo", d.Range.End.UTC().Format(apiTime))
	setIf(q, "extension", d.Format.Extension())
	q.Set("returnOptions", "all")

	var body struct {
		Files []struct {
			Filename string `json:"filename"`
			FileSize int64  `json:"fileSize"`
			MD5      string `json:"md5"`
		} `json:"files"`
	}
	if err := c.getJSON(ctx, "fetch", "api/archivefile/location", q, &body); err != nil {
		return models.ResultManifest{}, err
	}

	m := models.ResultManifest{Entries: make([]models.ManifestEntry, 0, len(body.Files))}
	for _, f := range body.Files {
		u := c.base.JoinPath("api/archivefile/download")
		u.RawQuery = url.Values{"filename": {f.Filename}}.Encode()
		var sum string
		if f.MD5 != "" {
			sum = "md5:" + f.MD5
		}
		m.Entries = append(m.Entries, models.ManifestEntry{
			RemoteName:  f.Filename,
			ByteSize:    f.FileSize,
			Checksum:    sum,
			DownloadURL: u.String(),
		})
	}
	return m, nil
}

type remoteID struct {
	prefix    string
	requestID int64
	runID     int64
}

func parseRemoteID(s string) (remoteID, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return remoteID{}, errkind.Errorf(errkind.Validation, "poll", "malformed remote job id %q", s)
	}
	id := remoteID{prefix: prefix}
	switch prefix {
	case prefixArchive, prefixCalibration:
		return id, nil
	case prefixDataProduct:
		req, run, ok := strings.Cut(rest, ":")
		var err1, err2 error
		id.requestID, err1 = strconv.ParseInt(req, 10, 64)
		id.runID, err2 = strconv.ParseInt(run, 10, 64)
		if !ok || err1 != nil || err2 != nil {
			return remoteID{}, errkind.Errorf(errkind.Validation, "poll", "malformed remote job id %q", s)
		}
		return id, nil
	default:
		return remoteID{}, errkind.Errorf(errkind.Validation, "poll", "unknown remote job id %q", s)
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
