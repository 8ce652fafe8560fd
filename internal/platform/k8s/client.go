// Package k8s is a minimal batch/v1 Jobs client over the Kubernetes REST API.
package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
	defaultTimeout    = 15 * time.Second
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	baseURL   string
	token     string
	namespace string
	http      *http.Client
}

// Options configure a client outside the cluster, mainly for tests.
type Options struct {
	BaseURL    string
	Token      string
	Namespace  string
	HTTPClient *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url is required")
	}
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		return nil, errors.New("namespace is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: base, token: strings.TrimSpace(opts.Token), namespace: ns, http: hc}, nil
}

// NewInCluster builds a client from the pod's service account. namespace
// overrides the service account namespace when set.
func NewInCluster(namespace string) (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	base := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		base = "https://" + host + ":" + port
	}

	token, err := readTrimmed(serviceAccountDir + "/token")
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace, err = readTrimmed(serviceAccountDir + "/namespace")
		if err != nil {
			return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
		}
	}
	caBytes, err := os.ReadFile(serviceAccountDir + "/ca.crt")
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("invalid serviceaccount ca bundle")
	}

	return New(Options{
		BaseURL:   base,
		Token:     token,
		Namespace: namespace,
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
			Timeout:   defaultTimeout,
		},
	})
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return v, nil
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) jobsPath(name string) string {
	p := "/apis/batch/v1/namespaces/" + url.PathEscape(c.namespace) + "/jobs"
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return c.baseURL + p
}

func (c *Client) CreateJob(ctx context.Context, job Job) error {
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata.Namespace = c.namespace

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jobsPath(""), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) GetJob(ctx context.Context, name string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobsPath(name), nil)
	if err != nil {
		return Job{}, err
	}
	var out Job
	if err := c.do(req, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// DeleteJob deletes a job and, in the background, its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name is required")
	}
	body, err := json.Marshal(deleteOptions{
		APIVersion:        "v1",
		Kind:              "DeleteOptions",
		PropagationPolicy: "Background",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.jobsPath(name), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode kubernetes response: %w", err)
		}
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
