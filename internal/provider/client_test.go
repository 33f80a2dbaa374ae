package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	suite.Suite
	server   *httptest.Server
	client   *Client
	handlers map[string]http.HandlerFunc
	auth     atomic.Value
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.handlers = map[string]http.HandlerFunc{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth.Store(r.Header.Get("Authorization"))
		h, ok := s.handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	s.client = New(Config{
		URL:  s.server.URL + "/",
		Keys: func(context.Context) (string, error) { return "sk-test", nil },
	})
}

func (s *ClientTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientTestSuite) reply(path string, body any) {
	s.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *ClientTestSuite) TestPrompt() {
	s.handlers[pathPrompts] = func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.PromptRequest
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		s.Equal("a {x}", req.Template)
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt": "a cat"})
	}

	got, err := s.client.Prompt(context.Background(), pipeline.PromptRequest{Template: "a {x}"})
	s.Require().NoError(err)
	s.Equal("a cat", got)
	s.Equal("Bearer sk-test", s.auth.Load())
}

func (s *ClientTestSuite) TestGenerate() {
	s.reply(pathGenerations, map[string][]byte{"image": []byte("PNGDATA")})

	data, err := s.client.Generate(context.Background(), pipeline.GenerateRequest{Prompt: "p", Width: 1, Height: 1})
	s.Require().NoError(err)
	s.Equal([]byte("PNGDATA"), data)
}

func (s *ClientTestSuite) TestGenerateErrorStatus() {
	s.handlers[pathGenerations] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}

	_, err := s.client.Generate(context.Background(), pipeline.GenerateRequest{})
	var statusErr *StatusError
	s.Require().True(errors.As(err, &statusErr))
	s.Equal(http.StatusTooManyRequests, statusErr.Code)
	s.Contains(statusErr.Body, "quota exceeded")
}

func (s *ClientTestSuite) TestCheckVerdicts() {
	s.reply(pathQualityChecks, map[string]any{"passed": false, "reason": " Nike logo detected "})

	v, err := s.client.Check(context.Background(), pipeline.CheckRequest{Image: []byte("x")})
	s.Require().NoError(err)
	s.False(v.Passed)
	s.Equal("Nike logo detected", v.Reason)
}

func (s *ClientTestSuite) TestCheckMalformed() {
	s.reply(pathQualityChecks, map[string]any{"verdict": "looks fine"})
	_, err := s.client.Check(context.Background(), pipeline.CheckRequest{})
	s.ErrorIs(err, pipeline.ErrMalformedVerdict)

	s.handlers[pathQualityChecks] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PASS!"))
	}
	_, err = s.client.Check(context.Background(), pipeline.CheckRequest{})
	s.ErrorIs(err, pipeline.ErrMalformedVerdict)
}

func (s *ClientTestSuite) TestDescribe() {
	s.reply(pathDescriptions, map[string]any{"title": "Mug", "description": "A mug", "tags": []string{"kitchen"}})

	meta, err := s.client.Describe(context.Background(), pipeline.DescribeRequest{})
	s.Require().NoError(err)
	s.Equal("Mug", meta.Title)
	s.Equal([]string{"kitchen"}, meta.Tags)

	s.reply(pathDescriptions, map[string]any{"description": "untitled"})
	_, err = s.client.Describe(context.Background(), pipeline.DescribeRequest{})
	s.Error(err)
}

func (s *ClientTestSuite) TestRemoveBackground() {
	s.handlers[pathBackgroundRemovals] = func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Image []byte `json:"image"`
			Size  string `json:"size"`
		}
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		s.Equal("full", req.Size)
		_ = json.NewEncoder(w).Encode(map[string][]byte{"image": append(req.Image, '!')})
	}

	out, err := s.client.RemoveBackground(context.Background(), []byte("img"), "full")
	s.Require().NoError(err)
	s.Equal([]byte("img!"), out)
}

func (s *ClientTestSuite) TestKeySourceError() {
	c := New(Config{URL: s.server.URL, Keys: func(context.Context) (string, error) {
		return "", errors.New("vault sealed")
	}})
	_, err := c.Prompt(context.Background(), pipeline.PromptRequest{})
	s.ErrorContains(err, "vault sealed")
}

func (s *ClientTestSuite) TestCollaborators() {
	c := s.client.Collaborators()
	s.NotNil(c.Generator)
	s.NotNil(c.QualityChecker)
	s.NotNil(c.Remover)
}
