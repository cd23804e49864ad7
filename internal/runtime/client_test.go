package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPutAssistant_SendsDefinitionThenData(t *testing.T) {
	var paths []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(body))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	id := uuid.New()
	err := client.PutAssistant(context.Background(), AssistantDefinition{
		ID: id, Name: "scribe", TemplateID: "default",
	}, strings.NewReader("exported-state"))
	require.NoError(t, err)

	require.Equal(t, []string{
		"PUT /v1/assistants/" + id.String(),
		"PUT /v1/assistants/" + id.String() + "/data",
	}, paths)
	require.Contains(t, bodies[0], `"name":"scribe"`)
	require.Equal(t, "exported-state", bodies[1])
}

func TestPutAssistant_NoDataWhenNil(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	require.NoError(t, client.PutAssistant(context.Background(), AssistantDefinition{ID: uuid.New()}, nil))
	require.Equal(t, 1, calls)
}

func TestDelete_Tolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	require.NoError(t, client.DeleteAssistant(context.Background(), uuid.New()))
	require.NoError(t, client.DeleteConversation(context.Background(), uuid.New(), uuid.New()))
}

func TestErrorCarriesStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service on fire", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	err := client.PutConversation(context.Background(), uuid.New(), uuid.New(), nil)

	var re *Error
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusBadGateway, re.StatusCode)
	require.Contains(t, re.Message, "service on fire")
}

func TestGetExportedData_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "streamed-state")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	rc, err := client.GetExportedData(context.Background(), uuid.New())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "streamed-state", string(data))
}

func TestGetExportedData_TimesOutOnUnresponsiveService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept the request but never send response headers.
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 50*time.Millisecond)
	_, err := client.GetExportedData(context.Background(), uuid.New())
	require.Error(t, err)

	var re *Error
	require.True(t, errors.As(err, &re))
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 50*time.Millisecond)
	err := client.PutConversation(context.Background(), uuid.New(), uuid.New(), nil)
	require.Error(t, err)

	var re *Error
	require.True(t, errors.As(err, &re))
}
