package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
)

// Defaults applied by CreateInstance.
const (
	DefaultImage = "tensorflow/tensorflow:nightly-gpu-py3"
	DefaultDisk  = 1.0
)

// Instance states accepted by the state endpoint.
const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// ListInstances fetches the caller's instances and refreshes the cache.
// Transient failures are retried.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	list, err := c.cache.Refresh(ctx, c.fetchInstances)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return list, nil
}

func (c *Client) fetchInstances(ctx context.Context) ([]Instance, error) {
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   "/instances",
		params: map[string]any{"owner": "me"},
		retry:  true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// GetInstance refreshes the instance list and returns the instance with
// the given id. found is false when the account has no such instance.
func (c *Client) GetInstance(ctx context.Context, id int64) (inst *Instance, found bool, err error) {
	if _, err := c.ListInstances(ctx); err != nil {
		return nil, false, err
	}
	in, ok := c.cache.Get(id)
	if !ok {
		return nil, false, nil
	}
	return &in, true, nil
}

// RunningInstances returns the instances whose status is running.
func (c *Client) RunningInstances(ctx context.Context) ([]Instance, error) {
	list, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	var out []Instance
	for _, in := range list {
		if in.Status() == StateRunning {
			out = append(out, in)
		}
	}
	return out, nil
}

// CreateOptions configures a new instance.
type CreateOptions struct {
	// Image is the docker image to launch, DefaultImage when empty.
	Image string
	// Price is the per-machine bid in $/hour; nil rents on demand.
	Price *float64
	// Disk is the local disk size in GB, DefaultDisk when zero.
	Disk  float64
	Label string
	// Onstart is the onstart script. OnstartFile, when set, is read and
	// takes precedence.
	Onstart     string
	OnstartFile string
	// Jupyter launches a jupyter instance instead of an ssh instance.
	Jupyter    bool
	JupyterDir string
	JupyterLab bool
	LangUTF8   bool
	PythonUTF8 bool
	// CreateFrom is an existing instance to copy the configuration from.
	CreateFrom string
	Force      bool
}

func (o CreateOptions) body() (map[string]any, error) {
	onstart := o.Onstart
	if o.OnstartFile != "" {
		data, err := os.ReadFile(o.OnstartFile)
		if err != nil {
			return nil, fmt.Errorf("read onstart file: %w", err)
		}
		onstart = string(data)
	}

	image := o.Image
	if image == "" {
		image = DefaultImage
	}
	disk := o.Disk
	if disk == 0 {
		disk = DefaultDisk
	}
	runtype := "ssh"
	if o.Jupyter {
		runtype = "jupyter"
	}

	var price any
	if o.Price != nil {
		price = *o.Price
	}

	return map[string]any{
		"client_id":       "me",
		"image":           image,
		"price":           price,
		"disk":            disk,
		"label":           nullable(o.Label),
		"onstart":         nullable(onstart),
		"runtype":         runtype,
		"python_utf8":     o.PythonUTF8,
		"lang_utf8":       o.LangUTF8,
		"use_jupyter_lab": o.JupyterLab,
		"jupyter_dir":     nullable(o.JupyterDir),
		"create_from":     nullable(o.CreateFrom),
		"force":           o.Force,
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateInstance rents the machine advertised by offerID.
func (c *Client) CreateInstance(ctx context.Context, offerID int64, opts CreateOptions) (*CreateResult, error) {
	body, err := opts.body()
	if err != nil {
		return nil, err
	}

	var resp struct {
		CreateResult
		Msg string `json:"msg"`
	}
	err = c.doJSON(ctx, request{
		method: http.MethodPut,
		path:   fmt.Sprintf("/asks/%d/", offerID),
		route:  "/asks/{id}/",
		body:   body,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create instance from offer %d: %w", offerID, err)
	}
	if !resp.Success {
		msg := resp.Msg
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, fmt.Errorf("create instance from offer %d: %s", offerID, msg)
	}

	c.logger.InfoContext(ctx, "instance created", "offer_id", offerID, "instance_id", resp.NewContract)
	return &resp.CreateResult, nil
}

// StartInstance asks the API to start instance id.
func (c *Client) StartInstance(ctx context.Context, id int64) error {
	return c.setState(ctx, id, StateRunning)
}

// StopInstance asks the API to stop instance id. It can be started again.
func (c *Client) StopInstance(ctx context.Context, id int64) error {
	return c.setState(ctx, id, StateStopped)
}

func (c *Client) setState(ctx context.Context, id int64, state string) error {
	err := c.instanceCall(ctx, id, request{
		method: http.MethodPut,
		path:   fmt.Sprintf("/instances/%d/", id),
		route:  "/instances/{id}/",
		body:   map[string]string{"state": state},
	})
	if err != nil {
		return fmt.Errorf("set instance %d to %s: %w", id, state, err)
	}
	c.logger.InfoContext(ctx, "instance state requested", "instance_id", id, "state", state)
	return nil
}

// DestroyInstance destroys instance id. All data on it is lost.
func (c *Client) DestroyInstance(ctx context.Context, id int64) error {
	err := c.instanceCall(ctx, id, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/instances/%d/", id),
		route:  "/instances/{id}/",
		body:   map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("destroy instance %d: %w", id, err)
	}
	c.cache.Remove(id)
	c.logger.InfoContext(ctx, "instance destroy requested", "instance_id", id)
	return nil
}

// ChangeBid sets a new bid price in $/hour for an interruptible instance.
func (c *Client) ChangeBid(ctx context.Context, id int64, price float64) error {
	err := c.instanceCall(ctx, id, request{
		method: http.MethodPut,
		path:   fmt.Sprintf("/instances/bid_price/%d/", id),
		route:  "/instances/bid_price/{id}/",
		body:   map[string]any{"client_id": "me", "price": price},
	})
	if err != nil {
		return fmt.Errorf("change bid of instance %d: %w", id, err)
	}
	c.logger.InfoContext(ctx, "bid changed", "instance_id", id, "price", price)
	return nil
}

// StopAllInstances stops every instance the account owns. It attempts all
// of them and returns the joined errors.
func (c *Client) StopAllInstances(ctx context.Context) error {
	list, err := c.ListInstances(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, in := range list {
		if err := c.StopInstance(ctx, in.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// instanceCall performs a mutating instance request. A body of
// {"success": false} is reported as an InstanceError.
func (c *Client) instanceCall(ctx context.Context, id int64, r request) error {
	var resp struct {
		Success *bool  `json:"success"`
		Msg     string `json:"msg"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(ctx, r, &resp); err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Error
		}
		if msg == "" {
			msg = "request was not successful"
		}
		return &InstanceError{ID: id, Message: msg}
	}
	return nil
}
