// slurmmsg encodes, decodes and sends slurm-rpc frames.
//
// Usage:
//
//	slurmmsg [--config file] decode [--format json|cbor] [file]
//	slurmmsg [--config file] encode [--compress none|zstd|lz4] [--no-response] TYPE < body.json > frame.bin
//	slurmmsg [--config file] ping  [--addr host:port]
//	slurmmsg [--config file] jobs  [--addr host:port] [--format json|cbor]
//	slurmmsg [--config file] steps [--addr host:port] [--job id] [--step id]
//	slurmmsg [--config file] nodes [--addr host:port]
//
// Without --addr the daemon is looked up in the etcd registry named by the
// config file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"slurm-rpc/client"
	"slurm-rpc/codec"
	"slurm-rpc/config"
	"slurm-rpc/loadbalance"
	"slurm-rpc/logging"
	"slurm-rpc/message"
	"slurm-rpc/protocol"
	"slurm-rpc/registry"
	"slurm-rpc/transport"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "slurmmsg: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: slurmmsg [--config file] <command> [flags]

commands:
  decode   print frames read from a file or stdin
  encode   build a frame from a JSON body on stdin
  ping     check that a daemon answers
  jobs     list jobs
  steps    list job steps
  nodes    list nodes
`

// env carries what every command needs.
type env struct {
	cfg    config.Config
	log    *zap.Logger
	stdin  io.Reader
	stdout io.Writer
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var configPath string
	global := pflag.NewFlagSet("slurmmsg", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVarP(&configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if global.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCfg := cfg.Log
	if configPath == "" {
		logCfg.Level, logCfg.Encoding = "warn", "console"
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	e := &env{cfg: cfg, log: log, stdin: stdin, stdout: stdout}
	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "decode":
		return e.decode(rest)
	case "encode":
		return e.encode(rest)
	case "ping", "jobs", "steps", "nodes":
		return e.query(cmd, rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// decode prints every frame in the input until EOF. Compressed bodies are
// inflated on the way.
func (e *env) decode(args []string) error {
	fs := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	formatName := fs.String("format", "json", "output format: json or cbor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := GetFormat(*formatName)
	if err != nil {
		return err
	}

	in := e.stdin
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	r := bufio.NewReader(in)
	limits := e.cfg.Protocol.Limits()
	frameOpts := e.cfg.Protocol.FrameOptions()
	for n := 0; ; n++ {
		h, body, err := protocol.ReadFrame(r, frameOpts)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		msg, err := codec.DecodeFrame(h, body, limits)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		if err := e.print(format, viewOf(h, msg)); err != nil {
			return err
		}
	}
}

// encode reads a JSON body for TYPE from stdin and writes one frame.
// Bodiless types ignore stdin.
func (e *env) encode(args []string) error {
	fs := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	compress := fs.String("compress", "none", "body compression: none, zstd or lz4")
	noResponse := fs.Bool("no-response", false, "flag the frame as not expecting a reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("encode: want exactly one message type")
	}
	t, err := message.ParseMsgType(fs.Arg(0))
	if err != nil {
		return err
	}
	body, err := codec.NewBody(t)
	if err != nil {
		return err
	}
	if body != nil {
		dec := json.NewDecoder(e.stdin)
		dec.DisallowUnknownFields()
		if err := dec.Decode(body); err != nil {
			return fmt.Errorf("encode %s: read body: %w", t, err)
		}
	}

	proto := e.cfg.Protocol
	proto.Compression = *compress
	flags, err := proto.CompressionFlag()
	if err != nil {
		return err
	}
	if *noResponse {
		flags |= protocol.FlagNoResponse
	}

	packed, err := codec.PackBody(message.New(t, body), proto.Limits())
	if err != nil {
		return err
	}
	h := &protocol.Header{Version: protocol.Version, Flags: flags, MsgType: t}
	return protocol.WriteFrame(e.stdout, h, packed, proto.FrameOptions())
}

// query sends one request to a daemon and prints the reply.
func (e *env) query(cmd string, args []string) error {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address; the registry is used when empty")
	service := fs.String("service", e.cfg.Server.ServiceName, "service name in the registry")
	formatName := fs.String("format", "json", "output format: json or cbor")
	timeout := fs.Duration("timeout", e.cfg.Client.CallTimeout, "timeout for the whole call")
	var jobID uint32
	var stepID uint16
	if cmd == "steps" {
		fs.Uint32Var(&jobID, "job", 0, "job id, 0 for every job")
		fs.Uint16Var(&stepID, "step", message.AllSteps, "step id, default every step")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := GetFormat(*formatName)
	if err != nil {
		return err
	}

	c, closeFn, err := e.newClient(*service, *addr)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	var req *message.Msg
	switch cmd {
	case "ping":
		start := time.Now()
		if err := c.CallRC(ctx, *service, message.New(message.RequestPing, nil)); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "pong from %s in %s\n", *service, time.Since(start).Round(time.Microsecond))
		return nil
	case "jobs":
		req = message.New(message.RequestJobInfo, &message.JobInfoRequest{})
	case "steps":
		req = message.New(message.RequestJobStepInfo, &message.JobStepInfoRequest{JobID: jobID, StepID: stepID})
	case "nodes":
		req = message.New(message.RequestNodeInfo, &message.NodeInfoRequest{})
	}

	reply, err := c.Call(ctx, *service, req)
	if err != nil {
		return err
	}
	if err := transport.ReplyError(reply); err != nil {
		return err
	}
	return e.print(format, reply.Body)
}

// newClient builds a client over a one-entry memory registry when addr is
// set, or over the configured etcd registry.
func (e *env) newClient(service, addr string) (*client.Client, func() error, error) {
	var (
		reg     registry.Registry
		closeFn = func() error { return nil }
	)
	if addr != "" {
		mem := registry.NewMemoryRegistry()
		if err := mem.Register(service, registry.ServiceInstance{Addr: addr, Weight: 1}, 0); err != nil {
			return nil, nil, err
		}
		reg = mem
	} else {
		if len(e.cfg.Registry.Endpoints) == 0 {
			return nil, nil, errors.New("no --addr given and registry.endpoints is empty")
		}
		etcd, err := registry.NewEtcdRegistry(e.cfg.Registry.Endpoints, e.cfg.Registry.DialTimeout, e.log.Named("registry"))
		if err != nil {
			return nil, nil, err
		}
		reg, closeFn = etcd, etcd.Close
	}

	bal, err := loadbalance.New(e.cfg.Client.Balancer)
	if err != nil {
		return nil, nil, multierr.Append(err, closeFn())
	}
	compression, err := e.cfg.Protocol.CompressionFlag()
	if err != nil {
		return nil, nil, multierr.Append(err, closeFn())
	}
	c := client.NewClient(reg, bal, client.Options{
		Transport: transport.Options{
			Limits:      e.cfg.Protocol.Limits(),
			Frame:       e.cfg.Protocol.FrameOptions(),
			Compression: compression,
		},
		PoolSize:    1,
		DialTimeout: e.cfg.Client.DialTimeout,
		Retries:     e.cfg.Client.Retries,
		Logger:      e.log.Named("client"),
	})
	return c, func() error { return multierr.Append(c.Close(), closeFn()) }, nil
}

func (e *env) print(format Format, v any) error {
	out, err := format.Encode(v)
	if err != nil {
		return fmt.Errorf("%s output: %w", format.Name(), err)
	}
	out = append(out, '\n')
	_, err = e.stdout.Write(out)
	return err
}
