package remote

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

// objectServer is a path-style S3 endpoint holding one bucket in memory.
type objectServer struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	schools map[string]string
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	MaxKeys     int      `xml:"MaxKeys"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (o *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != o.bucket {
		o.fail(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)

	case key == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		res := listBucketResult{Name: o.bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range o.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{k, len(o.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)

	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		o.objects[key] = data
		o.schools[key] = r.Header.Get("X-Amz-Meta-School-Id")
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet:
		data, ok := o.objects[key]
		if !ok {
			o.fail(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case r.Method == http.MethodDelete:
		delete(o.objects, key)
		delete(o.schools, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		o.fail(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (o *objectServer) fail(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func newTestS3(t *testing.T, bucket string) (*S3, *objectServer) {
	t.Helper()
	// Keep the developer's AWS profile out of the client config.
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))
	t.Setenv("AWS_PROFILE", "")

	o := &objectServer{bucket: "grades", objects: map[string][]byte{}, schools: map[string]string{}}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	s, err := NewS3(context.Background(), S3Config{
		Bucket:          bucket,
		Endpoint:        srv.URL,
		Prefix:          "gs/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	return s, o
}

func TestS3_UpsertFetchDelete(t *testing.T) {
	s, o := newTestS3(t, "grades")
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, rec := range []string{
		`{"id":"s1","school_id":"a","name":"Ada"}`,
		`{"id":"s2","school_id":"b","name":"Bo"}`,
	} {
		if res := s.Invoke(ctx, Request{Action: UpsertAction("students"), Payload: json.RawMessage(rec)}); !res.Success {
			t.Fatalf("upsert: %s", res.Error)
		}
	}

	o.mu.Lock()
	stored, school := o.objects["gs/students/s1.json"], o.schools["gs/students/s1.json"]
	o.mu.Unlock()
	if !strings.Contains(string(stored), `"Ada"`) || school != "a" {
		t.Fatalf("object gs/students/s1.json: body %q school %q", stored, school)
	}

	res := s.Invoke(ctx, Request{Action: FetchAction("students"), SchoolID: "a"})
	if !res.Success {
		t.Fatalf("fetch: %s", res.Error)
	}
	var got []map[string]any
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "s1" {
		t.Fatalf("fetch school a: got %v", got)
	}

	for i := 0; i < 2; i++ {
		if del := s.Invoke(ctx, Request{Action: DeleteAction("students"), Payload: json.RawMessage(`{"id":"s1"}`)}); !del.Success {
			t.Fatalf("delete %d: %s", i, del.Error)
		}
	}

	res = s.Invoke(ctx, Request{Action: FetchAction("students")})
	got = nil
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "s2" {
		t.Fatalf("fetch after delete: got %v", got)
	}
}

func TestS3_UnsupportedAndBadPayload(t *testing.T) {
	s, _ := newTestS3(t, "grades")
	ctx := context.Background()

	if res := s.Invoke(ctx, Request{Action: "results.publish"}); res.Success {
		t.Fatal("named operation should be unsupported")
	}
	if res := s.Invoke(ctx, Request{Action: UpsertAction("students"), Payload: json.RawMessage(`{"name":"no id"}`)}); res.Success {
		t.Fatal("upsert without id should fail")
	}
}

func TestS3_PingMissingBucket(t *testing.T) {
	s, _ := newTestS3(t, "other")
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping succeeded against a missing bucket")
	}
}

func TestNewS3_RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
