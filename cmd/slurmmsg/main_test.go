package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"slurm-rpc/codec"
	"slurm-rpc/controller"
	"slurm-rpc/message"
	"slurm-rpc/pack"
	"slurm-rpc/protocol"
	"slurm-rpc/server"
	"slurm-rpc/transport"
)

func TestEncodeThenDecode(t *testing.T) {
	var frame bytes.Buffer
	body := strings.NewReader(`{"JobID": 42, "StepID": 3, "ShowFlags": 1}`)
	if err := run([]string{"encode", "REQUEST_JOB_STEP_INFO"}, body, &frame); err != nil {
		t.Fatal(err)
	}

	_, msg, err := codec.ParseFrame(frame.Bytes(), pack.DefaultLimits())
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	req := msg.Body.(*message.JobStepInfoRequest)
	if req.JobID != 42 || req.StepID != 3 || req.ShowFlags != 1 {
		t.Errorf("encoded body = %+v", req)
	}

	var out bytes.Buffer
	if err := run([]string{"decode"}, bytes.NewReader(frame.Bytes()), &out); err != nil {
		t.Fatal(err)
	}
	var view struct {
		Type string
		Tag  uint16
		Body struct{ JobID uint32 }
	}
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if view.Type != "REQUEST_JOB_STEP_INFO" || view.Tag != 2005 || view.Body.JobID != 42 {
		t.Errorf("decoded view = %+v", view)
	}
}

func TestDecodeStream(t *testing.T) {
	var stream bytes.Buffer
	if err := run([]string{"encode", "--compress", "zstd", "REQUEST_PING"}, nil, &stream); err != nil {
		t.Fatal(err)
	}
	rc := strings.NewReader(`{"ReturnCode": 2017}`)
	if err := run([]string{"encode", "RESPONSE_SLURM_RC"}, rc, &stream); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run([]string{"decode", "--format", "cbor"}, &stream, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 frames, got %q", out.String())
	}
	if !strings.Contains(lines[0], `"REQUEST_PING"`) {
		t.Errorf("first frame: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"RESPONSE_SLURM_RC"`) || !strings.Contains(lines[1], "2017") {
		t.Errorf("second frame: %s", lines[1])
	}
}

func TestDecodeTruncated(t *testing.T) {
	var frame bytes.Buffer
	if err := run([]string{"encode", "REQUEST_JOB_INFO"}, strings.NewReader(`{}`), &frame); err != nil {
		t.Fatal(err)
	}
	cut := frame.Bytes()[:frame.Len()-1]
	err := run([]string{"decode"}, bytes.NewReader(cut), &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for a truncated frame")
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		body string
	}{
		{"unknown type", []string{"encode", "REQUEST_NOTHING"}, ""},
		{"unregistered tag", []string{"encode", "4242"}, ""},
		{"unknown field", []string{"encode", "REQUEST_JOB_INFO"}, `{"Bogus": 1}`},
		{"bad compression", []string{"encode", "--compress", "gzip", "REQUEST_PING"}, ""},
		{"unknown command", []string{"frobnicate"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(tt.args, strings.NewReader(tt.body), &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetFormat(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		f, err := GetFormat(name)
		if err != nil {
			t.Fatal(err)
		}
		if f.Name() != name {
			t.Errorf("GetFormat(%q).Name() = %q", name, f.Name())
		}
		out, err := f.Encode(&message.JobCredential{JobID: 7, Signature: []byte{0xde, 0xad}})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) == 0 {
			t.Errorf("%s: empty output", name)
		}
	}
	if _, err := GetFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func startController(t *testing.T) string {
	t.Helper()
	ctl, err := controller.New(controller.Options{NodeName: "ctl0"})
	if err != nil {
		t.Fatal(err)
	}
	ctl.SubmitJob(message.JobInfo{JobID: 11, JobState: message.JobRunning, Partition: "debug", Name: "sleep"})
	ctl.AddNode(message.NodeInfo{Name: "node1", NodeState: message.NodeIdle, CPUs: 8})

	s := server.NewServer(server.Options{})
	ctl.Register(s)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l, "", nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s.Addr().String()
}

func TestQueries(t *testing.T) {
	addr := startController(t)

	var out bytes.Buffer
	if err := run([]string{"ping", "--addr", addr}, nil, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "pong from ") {
		t.Errorf("ping output %q", out.String())
	}

	out.Reset()
	if err := run([]string{"jobs", "--addr", addr}, nil, &out); err != nil {
		t.Fatal(err)
	}
	var jobs message.JobInfoResponse
	if err := json.Unmarshal(out.Bytes(), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs.Jobs) != 1 || jobs.Jobs[0].JobID != 11 || jobs.Jobs[0].Name != "sleep" {
		t.Errorf("jobs = %+v", jobs.Jobs)
	}

	out.Reset()
	if err := run([]string{"nodes", "--addr", addr}, nil, &out); err != nil {
		t.Fatal(err)
	}
	var nodes message.NodeInfoResponse
	if err := json.Unmarshal(out.Bytes(), &nodes); err != nil {
		t.Fatal(err)
	}
	if len(nodes.Nodes) != 1 || nodes.Nodes[0].Name != "node1" {
		t.Errorf("nodes = %+v", nodes.Nodes)
	}

	err := run([]string{"steps", "--addr", addr, "--job", "99"}, nil, &bytes.Buffer{})
	var rcErr *transport.RCError
	if !errors.As(err, &rcErr) || rcErr.Code != message.ErrorInvalidJobID {
		t.Errorf("steps for a missing job: %v", err)
	}
}

func TestQueryNeedsAddress(t *testing.T) {
	if err := run([]string{"ping"}, nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error without --addr or registry endpoints")
	}
}

func TestEncodeNoResponseFlag(t *testing.T) {
	var frame bytes.Buffer
	if err := run([]string{"encode", "--no-response", "REQUEST_RECONFIGURE"}, nil, &frame); err != nil {
		t.Fatal(err)
	}
	h, _, err := protocol.ReadFrame(&frame, protocol.FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if h.Flags&protocol.FlagNoResponse == 0 || h.MsgType != message.RequestReconfigure {
		t.Errorf("header = %v", h)
	}
}
