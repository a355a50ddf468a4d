package bulk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/session"
)

// V1 sub-batch states.
const (
	v1BatchCompleted    = "Completed"
	v1BatchFailed       = "Failed"
	v1BatchNotProcessed = "NotProcessed"
)

// V1Driver speaks the enumerable-batch bulk protocol: a job fans out into
// sub-batches, each completed sub-batch enumerates result ids and each
// result id is fetched as one CSV page. Job completion is judged from the
// sub-batch enumeration, not from the job resource itself.
type V1Driver struct {
	client     *client
	pathPrefix string
	log        logger.Logger
}

func NewV1Driver(conf *config.Config, log logger.Logger, httpClient *http.Client, sessions session.Provider, governor *quota.Governor) *V1Driver {
	apiVersion := conf.GetString("Bulk.v1.apiVersion", "52.0")
	log = log.Child("bulk-v1")
	return &V1Driver{
		client:     newClient(httpClient, sessions, governor, quota.ClassBulkV1, log),
		pathPrefix: "/services/async/" + apiVersion + "/job",
		log:        log,
	}
}

type v1CreateJobRequest struct {
	Operation   string `json:"operation"`
	Object      string `json:"object"`
	ContentType string `json:"contentType"`
}

func (d *V1Driver) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	body, err := jsonrs.Marshal(v1CreateJobRequest{
		Operation:   spec.Operation,
		Object:      spec.Object,
		ContentType: "CSV",
	})
	if err != nil {
		return nil, err
	}
	resp, _, err := d.client.post(ctx, d.pathPrefix, string(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("creating v1 job for %s: %w", spec.Object, err)
	}
	jobID := gjson.GetBytes(resp, "id").String()
	if jobID == "" {
		return nil, fmt.Errorf("creating v1 job for %s: response carries no job id", spec.Object)
	}
	d.log.Debugn("created v1 job",
		logger.NewStringField("jobId", jobID),
		logger.NewStringField("object", spec.Object))
	return &Job{
		ID:        jobID,
		Object:    spec.Object,
		Operation: spec.Operation,
		Protocol:  model.ProtocolV1,
		State:     JobStateOpen,
	}, nil
}

// Submit uploads the payload as a sub-batch and closes the job for further
// uploads. More than one Submit on the same job adds more sub-batches.
func (d *V1Driver) Submit(ctx context.Context, job *Job, payload string) error {
	resp, _, err := d.client.post(ctx, d.pathPrefix+"/"+job.ID+"/batch", payload, "text/csv")
	if err != nil {
		return fmt.Errorf("submitting batch to v1 job %s: %w", job.ID, err)
	}
	batchID := gjson.GetBytes(resp, "id").String()
	if batchID == "" {
		return fmt.Errorf("submitting batch to v1 job %s: response carries no batch id", job.ID)
	}
	job.batchIDs = append(job.batchIDs, batchID)
	if _, _, err := d.client.post(ctx, d.pathPrefix+"/"+job.ID, `{"state":"UploadComplete"}`, "application/json"); err != nil {
		return fmt.Errorf("closing v1 job %s: %w", job.ID, err)
	}
	return job.advance(JobStateUploadComplete)
}

func (d *V1Driver) AwaitCompletion(ctx context.Context, job *Job, pollInterval, timeout time.Duration) error {
	return awaitCompletion(ctx, job, d.pollSubBatches(job), pollInterval, timeout)
}

// pollSubBatches folds the sub-batch enumeration into one job state: any
// failed sub-batch fails the job, all terminal sub-batches complete it,
// anything else is still in progress.
func (d *V1Driver) pollSubBatches(job *Job) statusFunc {
	return func(ctx context.Context) (JobState, string, error) {
		resp, _, err := d.client.get(ctx, d.pathPrefix+"/"+job.ID+"/batch")
		if err != nil {
			return "", "", fmt.Errorf("polling v1 job %s: %w", job.ID, err)
		}
		infos := gjson.GetBytes(resp, "batchInfo").Array()
		if len(infos) == 0 {
			return JobStateInProgress, "", nil
		}
		done := 0
		for _, info := range infos {
			switch info.Get("state").String() {
			case v1BatchFailed:
				return JobStateFailed, info.Get("stateMessage").String(), nil
			case v1BatchCompleted, v1BatchNotProcessed:
				done++
			}
		}
		if done == len(infos) {
			return JobStateComplete, "", nil
		}
		return JobStateInProgress, "", nil
	}
}

// FetchResults walks every completed sub-batch, enumerates its result ids
// and streams each result page through fn.
func (d *V1Driver) FetchResults(ctx context.Context, job *Job, fn PageFunc) error {
	if job.State != JobStateComplete {
		return fmt.Errorf("bulk: fetching results of v1 job %s in state %s", job.ID, job.State)
	}
	for _, batchID := range job.batchIDs {
		batchPath := d.pathPrefix + "/" + job.ID + "/batch/" + batchID
		resp, _, err := d.client.get(ctx, batchPath+"/result")
		if err != nil {
			return fmt.Errorf("listing results of v1 batch %s: %w", batchID, err)
		}
		for _, resultID := range gjson.ParseBytes(resp).Array() {
			page, _, err := d.client.get(ctx, batchPath+"/result/"+resultID.String())
			if err != nil {
				return fmt.Errorf("fetching v1 result %s: %w", resultID.String(), err)
			}
			rows, err := decodeCSV(page)
			if err != nil {
				return fmt.Errorf("decoding v1 result %s: %w", resultID.String(), err)
			}
			if len(rows) == 0 {
				continue
			}
			if err := fn(rows); err != nil {
				return err
			}
		}
	}
	return nil
}
