// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

// Package remotetest implements an in-memory remote execution API server, for tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/go-ids"
)

const readChunkSize = 64 * 1024

// ExecuteFunc runs an action on behalf of the server. Input and output blobs are exchanged
// through the server's CAS.
type ExecuteFunc func(ctx context.Context, s *Server, action *repb.Action, command *repb.Command) (*repb.ActionResult, error)

type failure struct {
	code  codes.Code
	times int // Negative means forever.
}

type Server struct {
	// Capabilities returned by GetCapabilities.
	Capabilities *repb.ServerCapabilities
	// Executor runs actions. If unset, Execute is unimplemented.
	Executor ExecuteFunc
	// Latency is added to every call.
	Latency time.Duration

	mu         sync.Mutex
	blobs      map[schema.Digest][]byte
	results    map[schema.Digest]*repb.ActionResult
	failures   map[string]*failure
	calls      map[string]int
	inflight   int
	peak       int
	dropStream int
	pending    map[string]*longrunning.Operation
}

func New() *Server {
	return &Server{
		Capabilities: &repb.ServerCapabilities{
			CacheCapabilities: &repb.CacheCapabilities{
				DigestFunctions:               []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
				ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{UpdateEnabled: true},
				MaxBatchTotalSizeBytes:        4 * 1024 * 1024,
			},
			ExecutionCapabilities: &repb.ExecutionCapabilities{
				DigestFunction: repb.DigestFunction_SHA256,
				ExecEnabled:    true,
			},
		},
		blobs:    map[schema.Digest][]byte{},
		results:  map[schema.Digest]*repb.ActionResult{},
		failures: map[string]*failure{},
		calls:    map[string]int{},
		pending:  map[string]*longrunning.Operation{},
	}
}

// EnableZstd advertises support for zstd compressed transfers.
func (s *Server) EnableZstd() {
	s.Capabilities.CacheCapabilities.SupportedCompressors = []repb.Compressor_Value{repb.Compressor_ZSTD}
}

// Start serves on an in-memory listener, and returns a connection to it. Both are closed
// when the test completes.
func (s *Server) Start(t testing.TB) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()

	repb.RegisterContentAddressableStorageServer(srv, &casServer{s: s})
	repb.RegisterActionCacheServer(srv, &acServer{s: s})
	repb.RegisterExecutionServer(srv, &execServer{s: s})
	repb.RegisterCapabilitiesServer(srv, &capsServer{s: s})
	bytestream.RegisterByteStreamServer(srv, &bsServer{s: s})

	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})

	return conn
}

// Fail makes the next times calls to method fail with code. A negative times fails every call.
func (s *Server) Fail(method string, code codes.Code, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = &failure{code: code, times: times}
}

// DropExecuteStreams makes the next n Execute calls close their stream before the operation
// completes; the result is then available with WaitExecution.
func (s *Server) DropExecuteStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropStream = n
}

// Calls returns how many times method was called.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// PeakConcurrency returns the largest number of calls observed in flight at once.
func (s *Server) PeakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Server) Put(contents []byte) schema.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := schema.FromBytes(contents)
	s.blobs[d] = append([]byte{}, contents...)
	return d
}

func (s *Server) PutProto(msg proto.Message) (schema.Digest, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return schema.Digest{}, err
	}
	return s.Put(data), nil
}

func (s *Server) Blob(d schema.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[d]
	return data, ok
}

func (s *Server) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *Server) ActionResult(d schema.Digest) (*repb.ActionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[d]
	return res, ok
}

func (s *Server) SetActionResult(d schema.Digest, res *repb.ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[d] = res
}

// enter records a call to method, and returns the failure to inject, if any.
func (s *Server) enter(ctx context.Context, method string) (func(), error) {
	s.mu.Lock()
	s.calls[method]++
	s.inflight++
	if s.inflight > s.peak {
		s.peak = s.inflight
	}

	var err error
	if f := s.failures[method]; f != nil && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		err = status.Errorf(f.code, "%s: injected failure", method)
	}
	latency := s.Latency
	s.mu.Unlock()

	leave := func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}

	if err != nil {
		leave()
		return nil, err
	}

	return leave, nil
}

func (s *Server) putVerified(d schema.Digest, data []byte, compressor repb.Compressor_Value) error {
	if compressor == repb.Compressor_ZSTD {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return err
		}
		defer dec.Close()

		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%s: bad compressed data: %v", d, err)
		}
	}

	if got := schema.FromBytes(data); got != d {
		return status.Errorf(codes.InvalidArgument, "digest mismatch: expected %s, got %s", d, got)
	}

	s.mu.Lock()
	s.blobs[d] = data
	s.mu.Unlock()
	return nil
}

type casServer struct {
	repb.UnimplementedContentAddressableStorageServer
	s *Server
}

func (c *casServer) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	leave, err := c.s.enter(ctx, "FindMissingBlobs")
	if err != nil {
		return nil, err
	}
	defer leave()

	resp := &repb.FindMissingBlobsResponse{}
	for _, p := range req.GetBlobDigests() {
		d, err := schema.FromProto(p)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if _, ok := c.s.Blob(d); !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, p)
		}
	}
	return resp, nil
}

func (c *casServer) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	leave, err := c.s.enter(ctx, "BatchUpdateBlobs")
	if err != nil {
		return nil, err
	}
	defer leave()

	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		entry := &repb.BatchUpdateBlobsResponse_Response{Digest: r.GetDigest()}

		d, err := schema.FromProto(r.GetDigest())
		if err == nil {
			err = c.s.putVerified(d, r.GetData(), r.GetCompressor())
		}

		entry.Status = status.Convert(err).Proto()
		resp.Responses = append(resp.Responses, entry)
	}
	return resp, nil
}

func (c *casServer) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	leave, err := c.s.enter(ctx, "BatchReadBlobs")
	if err != nil {
		return nil, err
	}
	defer leave()

	var compress bool
	for _, comp := range req.GetAcceptableCompressors() {
		if comp == repb.Compressor_ZSTD {
			compress = true
		}
	}

	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
	}

	resp := &repb.BatchReadBlobsResponse{}
	for _, p := range req.GetDigests() {
		entry := &repb.BatchReadBlobsResponse_Response{Digest: p}

		d, err := schema.FromProto(p)
		if err != nil {
			entry.Status = status.New(codes.InvalidArgument, err.Error()).Proto()
		} else if data, ok := c.s.Blob(d); !ok {
			entry.Status = status.Newf(codes.NotFound, "%s: not found", d).Proto()
		} else if enc != nil {
			entry.Data = enc.EncodeAll(data, nil)
			entry.Compressor = repb.Compressor_ZSTD
			entry.Status = status.New(codes.OK, "").Proto()
		} else {
			entry.Data = data
			entry.Status = status.New(codes.OK, "").Proto()
		}

		resp.Responses = append(resp.Responses, entry)
	}
	return resp, nil
}

type acServer struct {
	repb.UnimplementedActionCacheServer
	s *Server
}

func (a *acServer) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	leave, err := a.s.enter(ctx, "GetActionResult")
	if err != nil {
		return nil, err
	}
	defer leave()

	d, err := schema.FromProto(req.GetActionDigest())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, ok := a.s.ActionResult(d)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%s: no cached result", d)
	}
	return res, nil
}

func (a *acServer) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	leave, err := a.s.enter(ctx, "UpdateActionResult")
	if err != nil {
		return nil, err
	}
	defer leave()

	d, err := schema.FromProto(req.GetActionDigest())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	a.s.SetActionResult(d, req.GetActionResult())
	return req.GetActionResult(), nil
}

type capsServer struct {
	repb.UnimplementedCapabilitiesServer
	s *Server
}

func (c *capsServer) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	leave, err := c.s.enter(ctx, "GetCapabilities")
	if err != nil {
		return nil, err
	}
	defer leave()

	return c.s.Capabilities, nil
}

type execServer struct {
	repb.UnimplementedExecutionServer
	s *Server
}

func (e *execServer) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	ctx := stream.Context()

	leave, err := e.s.enter(ctx, "Execute")
	if err != nil {
		return err
	}
	defer leave()

	if e.s.Executor == nil {
		return status.Error(codes.Unimplemented, "execution is not enabled")
	}

	name := "operations/" + ids.NewRandomBase32ID(8)
	if err := stream.Send(&longrunning.Operation{Name: name}); err != nil {
		return err
	}

	resp, err := e.execute(ctx, req)
	if err != nil {
		return err
	}

	packed, err := anypb.New(resp)
	if err != nil {
		return err
	}

	op := &longrunning.Operation{Name: name, Done: true, Result: &longrunning.Operation_Response{Response: packed}}

	e.s.mu.Lock()
	drop := e.s.dropStream > 0
	if drop {
		e.s.dropStream--
		e.s.pending[name] = op
	}
	e.s.mu.Unlock()

	if drop {
		return nil
	}

	return stream.Send(op)
}

func (e *execServer) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	leave, err := e.s.enter(stream.Context(), "WaitExecution")
	if err != nil {
		return err
	}
	defer leave()

	e.s.mu.Lock()
	op, ok := e.s.pending[req.GetName()]
	delete(e.s.pending, req.GetName())
	e.s.mu.Unlock()

	if !ok {
		return status.Errorf(codes.NotFound, "%s: no such operation", req.GetName())
	}

	return stream.Send(op)
}

func (e *execServer) execute(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
	actionDigest, err := schema.FromProto(req.GetActionDigest())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if !req.GetSkipCacheLookup() {
		if res, ok := e.s.ActionResult(actionDigest); ok {
			return &repb.ExecuteResponse{Result: res, CachedResult: true}, nil
		}
	}

	action := &repb.Action{}
	if err := e.unmarshal(actionDigest, action); err != nil {
		return nil, err
	}

	commandDigest, err := schema.FromProto(action.GetCommandDigest())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	command := &repb.Command{}
	if err := e.unmarshal(commandDigest, command); err != nil {
		return nil, err
	}

	res, err := e.s.Executor(ctx, e.s, action, command)
	if err != nil {
		return &repb.ExecuteResponse{Status: status.Convert(err).Proto()}, nil
	}

	if !action.GetDoNotCache() && res.GetExitCode() == 0 {
		e.s.SetActionResult(actionDigest, res)
	}

	return &repb.ExecuteResponse{Result: res}, nil
}

func (e *execServer) unmarshal(d schema.Digest, msg proto.Message) error {
	data, ok := e.s.Blob(d)
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "%s: missing from the CAS", d)
	}

	if err := proto.Unmarshal(data, msg); err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", d, err)
	}

	return nil
}

type bsServer struct {
	bytestream.UnimplementedByteStreamServer
	s *Server
}

// parseResource parses "[instance/][uploads/uuid/]blobs/hash/size" and
// "[instance/][uploads/uuid/]compressed-blobs/zstd/hash/size".
func parseResource(name string) (schema.Digest, bool, error) {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		var hash, size string
		var compressed bool

		switch {
		case p == "blobs" && i+2 < len(parts):
			hash, size = parts[i+1], parts[i+2]
		case p == "compressed-blobs" && i+3 < len(parts):
			if parts[i+1] != "zstd" {
				return schema.Digest{}, false, status.Errorf(codes.InvalidArgument, "%s: unsupported compressor", name)
			}
			hash, size, compressed = parts[i+2], parts[i+3], true
		default:
			continue
		}

		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return schema.Digest{}, false, status.Errorf(codes.InvalidArgument, "%s: bad size", name)
		}

		d, err := schema.NewDigest(hash, n)
		if err != nil {
			return schema.Digest{}, false, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}

		return d, compressed, nil
	}

	return schema.Digest{}, false, status.Errorf(codes.InvalidArgument, "%s: bad resource name", name)
}

func (b *bsServer) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	leave, err := b.s.enter(stream.Context(), "Read")
	if err != nil {
		return err
	}
	defer leave()

	d, compressed, err := parseResource(req.GetResourceName())
	if err != nil {
		return err
	}

	data, ok := b.s.Blob(d)
	if !ok {
		return status.Errorf(codes.NotFound, "%s: not found", d)
	}

	if compressed {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	for len(data) > 0 {
		n := len(data)
		if n > readChunkSize {
			n = readChunkSize
		}

		if err := stream.Send(&bytestream.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}

	return nil
}

func (b *bsServer) Write(stream bytestream.ByteStream_WriteServer) error {
	leave, err := b.s.enter(stream.Context(), "Write")
	if err != nil {
		return err
	}
	defer leave()

	var resource string
	var data []byte
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "stream closed before the write finished")
		} else if err != nil {
			return err
		}

		if resource == "" {
			resource = req.GetResourceName()
		}

		if req.GetWriteOffset() != int64(len(data)) {
			return status.Errorf(codes.InvalidArgument, "unexpected offset %d (expected %d)", req.GetWriteOffset(), len(data))
		}

		data = append(data, req.GetData()...)
		if req.GetFinishWrite() {
			break
		}
	}

	d, compressed, err := parseResource(resource)
	if err != nil {
		return err
	}

	compressor := repb.Compressor_IDENTITY
	if compressed {
		compressor = repb.Compressor_ZSTD
	}

	if err := b.s.putVerified(d, data, compressor); err != nil {
		return err
	}

	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
}

func (b *bsServer) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, fmt.Sprintf("%s: resumable writes are not supported", req.GetResourceName()))
}
