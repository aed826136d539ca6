package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/ai"
	"github.com/xxxsen/docqa/internal/batch"
	"github.com/xxxsen/docqa/internal/chunker"
	"github.com/xxxsen/docqa/internal/config"
	"github.com/xxxsen/docqa/internal/extract"
	"github.com/xxxsen/docqa/internal/filestore"
	"github.com/xxxsen/docqa/internal/handler"
	"github.com/xxxsen/docqa/internal/ingest"
	"github.com/xxxsen/docqa/internal/middleware"
	"github.com/xxxsen/docqa/internal/model"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	"github.com/xxxsen/docqa/internal/pkg/jwt"
	"github.com/xxxsen/docqa/internal/retrieve"
	"github.com/xxxsen/docqa/internal/service"
	"github.com/xxxsen/docqa/internal/store"
)

var jwtSecret = []byte("test-secret")

// topicVector maps texts about deployment to one axis and everything else
// to the other.
func topicVector(text string) []float32 {
	if strings.Contains(strings.ToLower(text), "deploy") {
		return []float32{1, 0}
	}
	return []float32{0, 1}
}

type topicEmbedder struct{}

func (topicEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = topicVector(t)
	}
	return out, nil
}

func (topicEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return topicVector(text), nil
}

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "deploy.txt") {
		return "Run the deploy script.", nil
	}
	return "The documents do not cover it.", nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	engine http.Handler
	mem    *store.Memory
}

func setupRouter(t *testing.T, generator ai.IGenerator, askLimit time.Duration) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory(2)
	blobs, err := filestore.New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)
	ch, err := chunker.NewWithOptions(chunker.WithTargetSize(200), chunker.WithOverlap(20))
	require.NoError(t, err)
	orch, err := ingest.NewOrchestrator(ingest.Deps{
		Files:     mem,
		Fragments: mem,
		Blobs:     blobs,
		Extractor: extract.Default(),
		Chunker:   ch,
		Embedder:  topicEmbedder{},
	}, ingest.Config{Dimension: 2, MaxFileSize: 1 << 20})
	require.NoError(t, err)
	sched := batch.NewScheduler(orch, mem, batch.Config{Concurrency: 2})
	t.Cleanup(sched.Stop)

	engine := retrieve.NewEngine(topicEmbedder{}, mem, mem, retrieve.Config{Dimension: 2})
	files := service.NewFileService(mem, mem, blobs, sched)
	gate := access.NewStaticGate(map[string][]string{"p1": {"u1"}, "p2": {"u2"}})

	deps := handler.RouterDeps{
		Files:        handler.NewFileHandler(files, 1<<20),
		Batches:      handler.NewBatchHandler(files, gate),
		Query:        handler.NewQueryHandler(service.NewAskService(engine, generator, time.Minute)),
		Gate:         gate,
		JWTSecret:    jwtSecret,
		AskRateLimit: askLimit,
	}
	web, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
		),
	)
	require.NoError(t, err)
	return &testServer{t: t, engine: web, mem: mem}
}

func (s *testServer) token(userID string) string {
	token, err := jwt.GenerateToken(userID, jwtSecret, time.Hour)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(req *http.Request, userID string) envelope {
	s.t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(userID))
	}
	resp := httptest.NewRecorder()
	s.engine.ServeHTTP(resp, req)
	require.Equal(s.t, http.StatusOK, resp.Code)
	var env envelope
	require.NoError(s.t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env
}

func (s *testServer) doJSON(method, path, userID string, body interface{}) envelope {
	s.t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, userID)
}

type uploadPart struct {
	name        string
	contentType string
	body        string
}

func (s *testServer) upload(projectID, userID string, parts ...uploadPart) envelope {
	s.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, p.name))
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		pw, err := w.CreatePart(h)
		require.NoError(s.t, err)
		_, err = pw.Write([]byte(p.body))
		require.NoError(s.t, err)
	}
	require.NoError(s.t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+projectID+"/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return s.do(req, userID)
}

func (s *testServer) waitBatch(batchID, userID string) model.BatchStatus {
	s.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := decode[model.BatchStatus](s.t, s.doJSON(http.MethodGet, "/api/v1/batches/"+batchID, userID, nil))
		if st.Done {
			return st
		}
		require.True(s.t, time.Now().Before(deadline), "batch %s not done in time", batchID)
		time.Sleep(10 * time.Millisecond)
	}
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	require.Equal(t, 0, env.Code, env.Msg)
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestRequiresAuthAndMembership(t *testing.T) {
	s := setupRouter(t, nil, 0)

	env := s.doJSON(http.MethodGet, "/api/v1/projects/p1/files", "", nil)
	require.Equal(t, errcode.ErrUnauthorized, env.Code)

	env = s.doJSON(http.MethodGet, "/api/v1/projects/p1/files", "u2", nil)
	require.Equal(t, errcode.ErrForbidden, env.Code)

	env = s.doJSON(http.MethodPost, "/api/v1/projects/p1/retrieve", "u2", map[string]string{"query": "x"})
	require.Equal(t, errcode.ErrForbidden, env.Code)
}

func TestUploadIngestRetrieveDelete(t *testing.T) {
	s := setupRouter(t, echoGenerator{}, 0)

	up := decode[service.UploadResult](t, s.upload("p1", "u1",
		uploadPart{name: "deploy.txt", contentType: "text/plain", body: "To deploy, run ./scripts/deploy.sh from the repo root."},
		uploadPart{name: "team.md", body: "# Team\n\nWe meet on Mondays."},
		uploadPart{name: "blank.txt", contentType: "text/plain", body: "   \n"},
	))
	require.Len(t, up.Files, 3)
	require.Equal(t, 3, up.Batch.Total)

	st := s.waitBatch(up.Batch.ID, "u1")
	require.Equal(t, 3, st.Succeeded, st.Jobs)

	list := decode[struct {
		Items []model.SourceFile `json:"items"`
	}](t, s.doJSON(http.MethodGet, "/api/v1/projects/p1/files", "u1", nil))
	require.Len(t, list.Items, 3)
	status := map[string]model.FileStatus{}
	for _, f := range list.Items {
		status[f.Name] = f.Status
	}
	require.Equal(t, model.FileStatusReady, status["deploy.txt"])
	require.Equal(t, model.FileStatusReady, status["team.md"])
	require.Equal(t, model.FileStatusEmpty, status["blank.txt"])

	deployID := up.Files[0].ID
	frags := decode[struct {
		Items []model.Fragment `json:"items"`
	}](t, s.doJSON(http.MethodGet, "/api/v1/projects/p1/files/"+deployID+"/fragments", "u1", nil))
	require.Len(t, frags.Items, 1)
	require.Equal(t, 0, frags.Items[0].Ordinal)

	res := decode[service.RetrieveResult](t, s.doJSON(http.MethodPost, "/api/v1/projects/p1/retrieve", "u1",
		map[string]interface{}{"query": "how do we deploy?"}))
	require.Len(t, res.Chunks, 1)
	require.Equal(t, "deploy.txt", res.Chunks[0].FileName)
	require.Equal(t, 3, res.Summary.TotalFiles)
	require.Contains(t, res.Context, "**deploy.txt**")

	ans := decode[service.Answer](t, s.doJSON(http.MethodPost, "/api/v1/projects/p1/ask", "u1",
		map[string]interface{}{"question": "how do we deploy?"}))
	require.Equal(t, "Run the deploy script.", ans.Answer)
	require.Len(t, ans.Sources, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/files/"+deployID+"/content", nil)
	req.Header.Set("Authorization", "Bearer "+s.token("u1"))
	resp := httptest.NewRecorder()
	s.engine.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "deploy.sh")

	env := s.doJSON(http.MethodDelete, "/api/v1/projects/p1/files/"+deployID, "u1", nil)
	require.Equal(t, 0, env.Code, env.Msg)
	env = s.doJSON(http.MethodGet, "/api/v1/projects/p1/files/"+deployID, "u1", nil)
	require.Equal(t, errcode.ErrNotFound, env.Code)

	res = decode[service.RetrieveResult](t, s.doJSON(http.MethodPost, "/api/v1/projects/p1/retrieve", "u1",
		map[string]interface{}{"query": "how do we deploy?"}))
	require.Empty(t, res.Chunks)
}

func TestUploadFailuresStayPerFile(t *testing.T) {
	s := setupRouter(t, nil, 0)
	up := decode[service.UploadResult](t, s.upload("p1", "u1",
		uploadPart{name: "ok.txt", contentType: "text/plain", body: "plain words"},
		uploadPart{name: "image.png", contentType: "image/png", body: "\x89PNG\r\n\x1a\n"},
	))
	st := s.waitBatch(up.Batch.ID, "u1")
	require.Equal(t, 1, st.Succeeded)
	require.Equal(t, 1, st.Failed)

	file := decode[model.SourceFile](t, s.doJSON(http.MethodGet, "/api/v1/projects/p1/files/"+up.Files[1].ID, "u1", nil))
	require.Equal(t, model.FileStatusFailed, file.Status)
	require.NotEmpty(t, file.LastError)
}

func TestUploadValidation(t *testing.T) {
	s := setupRouter(t, nil, 0)
	env := s.upload("p1", "u1")
	require.Equal(t, errcode.ErrInvalidFile, env.Code)

	env = s.upload("p1", "u1", uploadPart{name: "big.txt", contentType: "text/plain", body: strings.Repeat("a", 1<<20+1)})
	require.Equal(t, errcode.ErrFileTooLarge, env.Code)

	env = s.doJSON(http.MethodPost, "/api/v1/projects/p1/retrieve", "u1", map[string]interface{}{"query": "x", "threshold": 2})
	require.Equal(t, errcode.ErrInvalid, env.Code)
	env = s.doJSON(http.MethodPost, "/api/v1/projects/p1/retrieve", "u1", map[string]interface{}{"query": ""})
	require.Equal(t, errcode.ErrInvalid, env.Code)
}

func TestBatchesAreScopedToProjectMembers(t *testing.T) {
	s := setupRouter(t, nil, 0)
	up := decode[service.UploadResult](t, s.upload("p1", "u1",
		uploadPart{name: "a.txt", contentType: "text/plain", body: "alpha"},
	))
	s.waitBatch(up.Batch.ID, "u1")

	env := s.doJSON(http.MethodGet, "/api/v1/batches/"+up.Batch.ID, "u2", nil)
	require.Equal(t, errcode.ErrNotFound, env.Code)
	env = s.doJSON(http.MethodGet, "/api/v1/batches/missing", "u1", nil)
	require.Equal(t, errcode.ErrNotFound, env.Code)

	env = s.doJSON(http.MethodPost, "/api/v1/batches/"+up.Batch.ID+"/files/"+up.Files[0].ID+"/retry", "u1", nil)
	require.Equal(t, errcode.ErrConflict, env.Code, "succeeded jobs are not retried")
}

func TestAsk(t *testing.T) {
	s := setupRouter(t, nil, 0)
	env := s.doJSON(http.MethodPost, "/api/v1/projects/p1/ask", "u1", map[string]interface{}{"question": "anything"})
	require.Equal(t, errcode.ErrAIUnavailable, env.Code)

	s = setupRouter(t, echoGenerator{}, time.Hour)
	ans := decode[service.Answer](t, s.doJSON(http.MethodPost, "/api/v1/projects/p1/ask", "u1",
		map[string]interface{}{"question": "what is here?"}))
	require.Equal(t, "The documents do not cover it.", ans.Answer)
	require.Empty(t, ans.Sources)

	env = s.doJSON(http.MethodPost, "/api/v1/projects/p1/ask", "u1", map[string]interface{}{"question": "again?"})
	require.Equal(t, errcode.ErrTooMany, env.Code)
}
