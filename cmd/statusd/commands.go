package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/statusd/pkg/client"
)

var errResetNotConfirmed = errors.New("reset deletes every record; pass --yes to confirm")

func newAPIClient(f APIFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
	})
}

func cmdOpen(ctx context.Context, out io.Writer, f OpenFlags) error {
	c, err := newAPIClient(f.APIFlags)
	if err != nil {
		return err
	}
	res, err := c.Open(ctx, f.Name)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func cmdList(ctx context.Context, out io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	recs, err := c.List(ctx)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []client.StatusRecord{}
	}
	return printJSON(out, recs)
}

func cmdReset(ctx context.Context, out io.Writer, f ResetFlags) error {
	if !f.Yes {
		return errResetNotConfirmed
	}
	c, err := newAPIClient(f.APIFlags)
	if err != nil {
		return err
	}
	n, err := c.Reset(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "deleted %d record(s)\n", n)
	return err
}

func cmdHealth(ctx context.Context, out io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	status, err := c.Health(ctx)
	if status != "" {
		_, _ = fmt.Fprintln(out, status)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
