package bulk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/session"
	"github.com/sfsync/sfsync/soql"
)

// RESTProber answers row-count probes and object metadata lookups over the
// synchronous REST endpoints. The planner uses it to size time ranges before
// any bulk job exists; the syncer uses it to discover an object's fields.
type RESTProber struct {
	client       *client
	queryPath    string
	describePath string
}

func NewRESTProber(conf *config.Config, log logger.Logger, httpClient *http.Client, sessions session.Provider, governor *quota.Governor) *RESTProber {
	apiVersion := conf.GetString("Bulk.rest.apiVersion", "60.0")
	log = log.Child("rest-prober")
	return &RESTProber{
		client:       newClient(httpClient, sessions, governor, quota.ClassREST, log),
		queryPath:    "/services/data/v" + apiVersion + "/query",
		describePath: "/services/data/v" + apiVersion + "/sobjects",
	}
}

// Count returns the number of rows of object whose dateField falls in
// [start, end).
func (p *RESTProber) Count(ctx context.Context, object, dateField string, start, end time.Time) (int64, error) {
	query := soql.Count(object, dateField, start, end)
	resp, _, err := p.client.get(ctx, p.queryPath+"?q="+url.QueryEscape(query))
	if err != nil {
		return 0, fmt.Errorf("probing count of %s: %w", object, err)
	}
	return gjson.GetBytes(resp, "records.0.num").Int(), nil
}

// Describe fetches the object's field metadata and maps it into a
// descriptor. Reference fields pointing at more than one object are marked
// polymorphic.
func (p *RESTProber) Describe(ctx context.Context, object string) (*model.ObjectDescriptor, error) {
	resp, _, err := p.client.get(ctx, p.describePath+"/"+object+"/describe")
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", object, err)
	}
	obj := &model.ObjectDescriptor{
		API:   gjson.GetBytes(resp, "name").String(),
		Label: gjson.GetBytes(resp, "label").String(),
	}
	if obj.API == "" {
		obj.API = object
	}
	for _, f := range gjson.GetBytes(resp, "fields").Array() {
		field := model.Field{
			Name:        f.Get("name").String(),
			Label:       f.Get("label").String(),
			Type:        f.Get("type").String(),
			Length:      int(f.Get("length").Int()),
			Scale:       int(f.Get("scale").Int()),
			Createable:  f.Get("createable").Bool(),
			Filterable:  f.Get("filterable").Bool(),
			Nillable:    f.Get("nillable").Bool(),
			Unique:      f.Get("unique").Bool(),
			ExternalID:  f.Get("externalId").Bool(),
			Custom:      f.Get("custom").Bool(),
			Polymorphic: len(f.Get("referenceTo").Array()) > 1,
			ReferenceTo: f.Get("referenceTo.0").String(),
		}
		if field.Type == "base64" {
			obj.BlobField = field.Name
		}
		for _, pv := range f.Get("picklistValues").Array() {
			field.PicklistValues = append(field.PicklistValues, model.PicklistValue{
				Label:        pv.Get("label").String(),
				Value:        pv.Get("value").String(),
				Active:       pv.Get("active").Bool(),
				DefaultValue: pv.Get("defaultValue").Bool(),
			})
		}
		obj.Fields = append(obj.Fields, field)
	}
	return obj, nil
}
