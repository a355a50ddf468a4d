package bulk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/session"
)

const (
	// locatorHeader carries the cursor for the next result page.
	locatorHeader = "Sforce-Locator"
	// locatorEnd is the platform's sentinel for an exhausted result stream.
	locatorEnd = "null"
)

// V2Driver speaks the single-stream cursor-locator bulk protocol: one upload
// per job, and results fetched as consecutive pages addressed by an opaque
// locator token returned in a response header.
type V2Driver struct {
	client     *client
	pathPrefix string
	log        logger.Logger
}

func NewV2Driver(conf *config.Config, log logger.Logger, httpClient *http.Client, sessions session.Provider, governor *quota.Governor) *V2Driver {
	apiVersion := conf.GetString("Bulk.v2.apiVersion", "60.0")
	log = log.Child("bulk-v2")
	return &V2Driver{
		client:     newClient(httpClient, sessions, governor, quota.ClassBulkV2, log),
		pathPrefix: "/services/data/v" + apiVersion + "/jobs/ingest",
		log:        log,
	}
}

type v2CreateJobRequest struct {
	Operation   string `json:"operation"`
	Object      string `json:"object"`
	ContentType string `json:"contentType"`
	LineEnding  string `json:"lineEnding"`
}

func (d *V2Driver) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	body, err := jsonrs.Marshal(v2CreateJobRequest{
		Operation:   spec.Operation,
		Object:      spec.Object,
		ContentType: "CSV",
		LineEnding:  "LF",
	})
	if err != nil {
		return nil, err
	}
	resp, _, err := d.client.post(ctx, d.pathPrefix, string(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("creating v2 job for %s: %w", spec.Object, err)
	}
	jobID := gjson.GetBytes(resp, "id").String()
	if jobID == "" {
		return nil, fmt.Errorf("creating v2 job for %s: response carries no job id", spec.Object)
	}
	d.log.Debugn("created v2 job",
		logger.NewStringField("jobId", jobID),
		logger.NewStringField("object", spec.Object))
	return &Job{
		ID:        jobID,
		Object:    spec.Object,
		Operation: spec.Operation,
		Protocol:  model.ProtocolV2,
		State:     JobStateOpen,
	}, nil
}

// Submit uploads the whole payload in one stream, then marks the upload
// complete so the platform starts processing.
func (d *V2Driver) Submit(ctx context.Context, job *Job, payload string) error {
	if _, _, err := d.client.put(ctx, d.pathPrefix+"/"+job.ID+"/batches", payload, "text/csv"); err != nil {
		return fmt.Errorf("uploading payload to v2 job %s: %w", job.ID, err)
	}
	if _, _, err := d.client.patch(ctx, d.pathPrefix+"/"+job.ID, `{"state":"UploadComplete"}`, "application/json"); err != nil {
		return fmt.Errorf("completing upload of v2 job %s: %w", job.ID, err)
	}
	return job.advance(JobStateUploadComplete)
}

func (d *V2Driver) AwaitCompletion(ctx context.Context, job *Job, pollInterval, timeout time.Duration) error {
	return awaitCompletion(ctx, job, d.pollJob(job), pollInterval, timeout)
}

func (d *V2Driver) pollJob(job *Job) statusFunc {
	return func(ctx context.Context) (JobState, string, error) {
		resp, _, err := d.client.get(ctx, d.pathPrefix+"/"+job.ID)
		if err != nil {
			return "", "", fmt.Errorf("polling v2 job %s: %w", job.ID, err)
		}
		return JobState(gjson.GetBytes(resp, "state").String()),
			gjson.GetBytes(resp, "errorMessage").String(),
			nil
	}
}

// FetchResults follows the locator chain until the platform returns the end
// sentinel or an empty locator. Pages without rows are not surfaced.
func (d *V2Driver) FetchResults(ctx context.Context, job *Job, fn PageFunc) error {
	if job.State != JobStateComplete {
		return fmt.Errorf("bulk: fetching results of v2 job %s in state %s", job.ID, job.State)
	}
	resultsPath := d.pathPrefix + "/" + job.ID + "/results"
	for {
		path := resultsPath
		if job.locator != "" {
			path += "?locator=" + url.QueryEscape(job.locator)
		}
		page, header, err := d.client.get(ctx, path)
		if err != nil {
			return fmt.Errorf("fetching v2 results of job %s: %w", job.ID, err)
		}
		rows, err := decodeCSV(page)
		if err != nil {
			return fmt.Errorf("decoding v2 results of job %s: %w", job.ID, err)
		}
		if len(rows) > 0 {
			if err := fn(rows); err != nil {
				return err
			}
		}
		locator := header.Get(locatorHeader)
		if locator == "" || locator == locatorEnd {
			return nil
		}
		job.locator = locator
	}
}
