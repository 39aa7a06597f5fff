package detection_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/farm"
	"farm-bot/api/internal/photo"
)

type recorded struct {
	path string
	auth string
	body []byte
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: b})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newClient(srv *httptest.Server) (*detection.Client, *detection.API) {
	api := detection.NewAPI(farm.NewHTTP(srv.URL, 5*time.Second), farm.StaticToken("secreto"))
	return detection.NewClient(api, detection.NewSelector(nil)), api
}

func TestSubmitDiseaseShape(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"status":"success","message":"ok","data":[
		{"predictionId":101,"imageIndex":1,"label":"Roya","recommendation":"Aplicar fungicida","modelUsed":"v3","confidence":0.91},
		{"predictionId":"102","imageIndex":2,"label":"Sano","recommendation":"","modelUsed":"v3"},
		{"predictionId":103,"imageIndex":3,"label":"Broca","recommendation":"Trampas","modelUsed":"v3","confidence":0.7}
	]}`)
	client, _ := newClient(srv)

	res, err := client.Submit(context.Background(), 7, "Chequeo de Salud", photo.Batch{"QQ==", "Qg==", "Qw=="})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"Roya", "Sano", "Broca"}, []string{res[0].Label, res[1].Label, res[2].Label})
	assert.Equal(t, "101", res[0].PredictionID)
	assert.Equal(t, "102", res[1].PredictionID)
	assert.Equal(t, 2, res[1].ImageOrdinal)
	require.NotNil(t, res[0].Confidence)
	assert.InDelta(t, 0.91, *res[0].Confidence, 1e-9)
	assert.Nil(t, res[1].Confidence)

	require.Len(t, calls.all(), 1)
	call := calls.all()[0]
	assert.Equal(t, "/api/v1/detection/disease-deficiency", call.path)
	assert.Equal(t, "Bearer secreto", call.auth)

	var sent detection.SubmitRequest
	require.NoError(t, json.Unmarshal(call.body, &sent))
	assert.Equal(t, int64(7), sent.TaskID)
	require.Len(t, sent.Images, 3)
	assert.Equal(t, "QQ==", sent.Images[0].ImageEncoded)
	assert.Equal(t, "Qw==", sent.Images[2].ImageEncoded)
}

func TestSubmitMaturityShape(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"status":200,"message":"ok","data":{"details":[
		{"predictionId":"m1","imageIndex":2,"label":"Verde","recommendation":"Esperar"},
		{"predictionId":"m2","imageIndex":1,"label":"Maduro","recommendation":"Cosechar"}
	]}}`)
	client, _ := newClient(srv)

	res, err := client.Submit(context.Background(), 9, "Control de Maduración", photo.Batch{"QQ==", "Qg=="})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 2, res[0].ImageOrdinal)
	assert.Equal(t, "Verde", res[0].Label)
	assert.Equal(t, "m2", res[1].PredictionID)
	assert.Equal(t, string(detection.ModelMaturity), res[1].ModelUsed)
	assert.Equal(t, "/api/v1/detection/maturity", calls.all()[0].path)
}

func TestSubmitEmptyResultIsNotFailure(t *testing.T) {
	for name, reply := range map[string]string{
		"empty list":    `{"status":"success","message":"","data":[]}`,
		"null data":     `{"status":"success","message":"","data":null}`,
		"missing data":  `{"status":"success","message":""}`,
		"empty details": `{"status":"success","message":"","data":{"details":[]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newServer(t, http.StatusOK, reply)
			client, _ := newClient(srv)
			typeLabel := "Chequeo de Salud"
			if name == "empty details" {
				typeLabel = "Maduración"
			}
			res, err := client.Submit(context.Background(), 1, typeLabel, photo.Batch{"QQ=="})
			require.NoError(t, err)
			assert.NotNil(t, res)
			assert.Empty(t, res)
		})
	}
}

func TestSubmitFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		reply  string
		label  string
		msg    string
	}{
		{"http error with message", http.StatusBadGateway, `{"status":"error","message":"modelo no disponible"}`, "Salud", "modelo no disponible"},
		{"error status in envelope", http.StatusOK, `{"status":"error","message":"imagen inválida"}`, "Salud", "imagen inválida"},
		{"wrong shape for model", http.StatusOK, `{"status":"success","data":{"details":[]}}`, "Salud", "unexpected disease response"},
		{"not json", http.StatusOK, `<html>`, "Salud", "bad response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.status, tc.reply)
			client, _ := newClient(srv)
			_, err := client.Submit(context.Background(), 1, tc.label, photo.Batch{"QQ=="})
			assert.ErrorIs(t, err, detection.ErrSubmissionFailed)
			assert.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestSubmitValidatesBatchSize(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"status":"success","data":[]}`)
	client, _ := newClient(srv)

	_, err := client.Submit(context.Background(), 1, "Salud", nil)
	assert.ErrorIs(t, err, detection.ErrSubmissionFailed)

	_, err = client.Submit(context.Background(), 1, "Salud", make(photo.Batch, photo.MaxPerTask+1))
	assert.ErrorIs(t, err, detection.ErrSubmissionFailed)
	assert.Empty(t, calls.all(), "no request sent")
}

func TestAcceptAndDiscard(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"status":"success","message":"guardado"}`)
	_, api := newClient(srv)

	req := detection.FinalizeRequest{TaskID: 7, PredictionIDs: []detection.ID{"101", "102"}}
	require.NoError(t, api.Accept(context.Background(), detection.ModelDisease, req))
	require.NoError(t, api.Discard(context.Background(), detection.ModelMaturity, req))

	require.Len(t, calls.all(), 2)
	assert.Equal(t, "/api/v1/detection/disease-deficiency/accept", calls.all()[0].path)
	assert.Equal(t, "/api/v1/detection/maturity/discard", calls.all()[1].path)
	assert.JSONEq(t, `{"taskId":7,"predictionIds":[101,102]}`, string(calls.all()[0].body))
}

func TestAcceptFailureCarriesServerMessage(t *testing.T) {
	srv, _ := newServer(t, http.StatusConflict, `{"status":"error","message":"ya confirmado"}`)
	_, api := newClient(srv)
	err := api.Accept(context.Background(), detection.ModelDisease, detection.FinalizeRequest{TaskID: 1})
	assert.ErrorContains(t, err, "ya confirmado")

	srv2, _ := newServer(t, http.StatusOK, `{"status":"fail","message":"sin permisos"}`)
	_, api2 := newClient(srv2)
	err = api2.Discard(context.Background(), detection.ModelDisease, detection.FinalizeRequest{TaskID: 1})
	assert.ErrorContains(t, err, "sin permisos")
}
