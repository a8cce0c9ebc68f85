// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/status"
	"namespacelabs.dev/buildgraph/internal/executor"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
)

const (
	maxFindMissingBatch = 10000
	byteStreamChunkSize = 1024 * 1024
	// Per-blob allowance for the request framing of batch calls.
	batchEntryOverhead = 256
)

var _ store.RemoteCAS = &Client{}

// FindMissing returns which of digests are not present in the remote CAS.
func (c *Client) FindMissing(ctx context.Context, digests []schema.Digest) ([]schema.Digest, error) {
	var candidates []*repb.Digest
	for _, d := range digests {
		// The empty blob is always present.
		if d.SizeBytes == 0 {
			continue
		}
		candidates = append(candidates, d.Proto())
	}

	var missing []schema.Digest
	for len(candidates) > 0 {
		n := len(candidates)
		if n > maxFindMissingBatch {
			n = maxFindMissingBatch
		}

		chunk := candidates[:n]
		candidates = candidates[n:]

		var resp *repb.FindMissingBlobsResponse
		if err := c.call(ctx, "FindMissingBlobs", true, func(ctx context.Context) error {
			var err error
			resp, err = c.cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
				InstanceName:   c.opts.InstanceName,
				BlobDigests:    chunk,
				DigestFunction: repb.DigestFunction_SHA256,
			})
			return err
		}); err != nil {
			return nil, err
		}

		for _, m := range resp.GetMissingBlobDigests() {
			d, err := schema.FromProto(m)
			if err != nil {
				return nil, err
			}
			missing = append(missing, d)
		}
	}

	return missing, nil
}

// UploadBlobs uploads the digests, reading their contents from src. Blobs below the batch
// threshold are grouped into batch calls; larger blobs are streamed.
func (c *Client) UploadBlobs(ctx context.Context, digests []schema.Digest, src store.BlobSource) error {
	threshold := c.batchThreshold(ctx)
	compress := c.supportsZstd(ctx)

	var large []schema.Digest
	var batches [][]schema.Digest
	var current []schema.Digest
	var currentSize int64

	for _, d := range digests {
		if d.SizeBytes == 0 {
			continue
		}

		size := d.SizeBytes + batchEntryOverhead
		if size > threshold {
			large = append(large, d)
			continue
		}

		if currentSize+size > threshold {
			batches = append(batches, current)
			current, currentSize = nil, 0
		}

		current = append(current, d)
		currentSize += size
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	eg, wait := executor.New(ctx, "remote.upload-blobs")
	for _, batch := range batches {
		batch := batch
		eg.Go(func(ctx context.Context) error { return c.uploadBatch(ctx, batch, src, compress) })
	}

	for _, d := range large {
		d := d
		eg.Go(func(ctx context.Context) error { return c.writeStream(ctx, d, src, compress) })
	}

	return wait()
}

func (c *Client) uploadBatch(ctx context.Context, batch []schema.Digest, src store.BlobSource, compress bool) error {
	req := &repb.BatchUpdateBlobsRequest{InstanceName: c.opts.InstanceName, DigestFunction: repb.DigestFunction_SHA256}

	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		defer enc.Close()
	}

	var total int64
	for _, d := range batch {
		contents, err := readAll(src, d)
		if err != nil {
			return err
		}

		entry := &repb.BatchUpdateBlobsRequest_Request{Digest: d.Proto(), Data: contents}
		if enc != nil {
			entry.Data = enc.EncodeAll(contents, nil)
			entry.Compressor = repb.Compressor_ZSTD
		}

		total += int64(len(entry.Data))
		req.Requests = append(req.Requests, entry)
	}

	var resp *repb.BatchUpdateBlobsResponse
	if err := c.call(ctx, "BatchUpdateBlobs", true, func(ctx context.Context) error {
		var err error
		resp, err = c.cas.BatchUpdateBlobs(ctx, req)
		return err
	}); err != nil {
		return err
	}

	for _, r := range resp.GetResponses() {
		if st := r.GetStatus(); st.GetCode() != 0 {
			return classify("BatchUpdateBlobs", status.FromProto(st).Err())
		}
	}

	c.opts.Metrics.Transferred("upload", total)
	return nil
}

func readAll(src store.BlobSource, d schema.Digest) ([]byte, error) {
	r, err := src.OpenBlob(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *Client) resourceName(format string, args ...interface{}) string {
	name := fmt.Sprintf(format, args...)
	if c.opts.InstanceName != "" {
		return c.opts.InstanceName + "/" + name
	}
	return name
}

func (c *Client) writeStream(ctx context.Context, d schema.Digest, src store.BlobSource, compress bool) error {
	var resource string
	if compress {
		resource = c.resourceName("uploads/%s/compressed-blobs/zstd/%s/%d", uuid.NewString(), d.Hex(), d.SizeBytes)
	} else {
		resource = c.resourceName("uploads/%s/blobs/%s/%d", uuid.NewString(), d.Hex(), d.SizeBytes)
	}

	return c.call(ctx, "ByteStream.Write", true, func(ctx context.Context) error {
		r, err := src.OpenBlob(d)
		if err != nil {
			return err
		}
		defer r.Close()

		var data io.Reader = r
		if compress {
			pr, pw := io.Pipe()
			go func() {
				enc, err := zstd.NewWriter(pw)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if _, err := io.Copy(enc, r); err != nil {
					enc.Close()
					pw.CloseWithError(err)
					return
				}
				pw.CloseWithError(enc.Close())
			}()
			defer pr.Close()
			data = pr
		}

		stream, err := c.bs.Write(ctx)
		if err != nil {
			return err
		}

		buf := make([]byte, byteStreamChunkSize)
		var offset int64
		for {
			n, readErr := io.ReadFull(data, buf)
			if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
				return readErr
			}

			last := readErr != nil
			req := &bytestream.WriteRequest{WriteOffset: offset, Data: buf[:n], FinishWrite: last}
			if offset == 0 {
				req.ResourceName = resource
			}

			if err := stream.Send(req); err != nil {
				if errors.Is(err, io.EOF) {
					// The server already has the blob, and closed the stream early.
					break
				}
				return err
			}

			offset += int64(n)
			if last {
				break
			}
		}

		if _, err := stream.CloseAndRecv(); err != nil {
			return err
		}

		c.opts.Metrics.Transferred("upload", offset)
		return nil
	})
}

// ReadBlob writes the contents of d to w. Small blobs are read with a batch call; larger
// blobs are streamed.
func (c *Client) ReadBlob(ctx context.Context, d schema.Digest, w io.Writer) error {
	if d.SizeBytes == 0 {
		return nil
	}

	if d.SizeBytes+batchEntryOverhead <= c.batchThreshold(ctx) {
		blobs, err := c.ReadBlobs(ctx, []schema.Digest{d})
		if err != nil {
			return err
		}
		_, err = w.Write(blobs[d])
		return err
	}

	return c.readStream(ctx, d, w)
}

// ReadBlobs returns the contents of each of the digests, batching small blobs together.
func (c *Client) ReadBlobs(ctx context.Context, digests []schema.Digest) (map[schema.Digest][]byte, error) {
	threshold := c.batchThreshold(ctx)
	compress := c.supportsZstd(ctx)

	result := map[schema.Digest][]byte{}

	var batch []*repb.Digest
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() { batch, batchSize = nil, 0 }()
		return c.readBatch(ctx, batch, compress, result)
	}

	for _, d := range digests {
		if d.SizeBytes == 0 {
			result[d] = nil
			continue
		}

		size := d.SizeBytes + batchEntryOverhead
		if size > threshold {
			var buf writerBuffer
			if err := c.readStream(ctx, d, &buf); err != nil {
				return nil, err
			}
			result[d] = buf.data
			continue
		}

		if batchSize+size > threshold {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		batch = append(batch, d.Proto())
		batchSize += size
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) readBatch(ctx context.Context, batch []*repb.Digest, compress bool, result map[schema.Digest][]byte) error {
	req := &repb.BatchReadBlobsRequest{InstanceName: c.opts.InstanceName, Digests: batch, DigestFunction: repb.DigestFunction_SHA256}
	if compress {
		req.AcceptableCompressors = []repb.Compressor_Value{repb.Compressor_ZSTD}
	}

	var resp *repb.BatchReadBlobsResponse
	if err := c.call(ctx, "BatchReadBlobs", true, func(ctx context.Context) error {
		var err error
		resp, err = c.cas.BatchReadBlobs(ctx, req)
		return err
	}); err != nil {
		return err
	}

	var dec *zstd.Decoder
	for _, r := range resp.GetResponses() {
		if st := r.GetStatus(); st.GetCode() != 0 {
			return classify("BatchReadBlobs", status.FromProto(st).Err())
		}

		d, err := schema.FromProto(r.GetDigest())
		if err != nil {
			return err
		}

		data := r.GetData()
		if r.GetCompressor() == repb.Compressor_ZSTD {
			if dec == nil {
				dec, err = zstd.NewReader(nil)
				if err != nil {
					return err
				}
				defer dec.Close()
			}

			data, err = dec.DecodeAll(data, nil)
			if err != nil {
				return fnerrors.BadInputError("%s: failed to decompress: %w", d, err)
			}
		}

		if got := schema.FromBytes(data); got != d {
			return fnerrors.InternalError("%s: remote returned the wrong contents (got %s)", d, got)
		}

		c.opts.Metrics.Transferred("download", int64(len(r.GetData())))
		result[d] = data
	}

	for _, d := range batch {
		parsed, err := schema.FromProto(d)
		if err != nil {
			return err
		}
		if _, ok := result[parsed]; !ok {
			return &fnerrors.NotFoundError{What: "BatchReadBlobs: " + parsed.String()}
		}
	}

	return nil
}

func (c *Client) readStream(ctx context.Context, d schema.Digest, w io.Writer) error {
	compress := c.supportsZstd(ctx)

	var resource string
	if compress {
		resource = c.resourceName("compressed-blobs/zstd/%s/%d", d.Hex(), d.SizeBytes)
	} else {
		resource = c.resourceName("blobs/%s/%d", d.Hex(), d.SizeBytes)
	}

	counting := &countingWriter{w: w}
	return c.call(ctx, "ByteStream.Read", true, func(ctx context.Context) error {
		err := c.readStreamOnce(ctx, resource, compress, counting)
		if err != nil && counting.n > 0 {
			// Partial writes can't be undone, so only retry if nothing was written yet.
			return &fnerrors.RemoteError{Op: "ByteStream.Read", Err: err}
		}
		return err
	})
}

func (c *Client) readStreamOnce(ctx context.Context, resource string, compress bool, w *countingWriter) error {
	stream, err := c.bs.Read(ctx, &bytestream.ReadRequest{ResourceName: resource})
	if err != nil {
		return err
	}

	if !compress {
		if err := copyStream(stream, w); err != nil {
			return err
		}
		c.opts.Metrics.Transferred("download", w.n)
		return nil
	}

	pr, pw := io.Pipe()
	go func() { pw.CloseWithError(copyStream(stream, pw)) }()
	defer pr.Close()

	dec, err := zstd.NewReader(pr)
	if err != nil {
		return err
	}
	defer dec.Close()

	if _, err := io.Copy(w, dec); err != nil {
		return err
	}

	c.opts.Metrics.Transferred("download", w.n)
	return nil
}

func copyStream(stream bytestream.ByteStream_ReadClient, w io.Writer) error {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if _, err := w.Write(resp.GetData()); err != nil {
			return err
		}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type writerBuffer struct{ data []byte }

func (wb *writerBuffer) Write(p []byte) (int, error) {
	wb.data = append(wb.data, p...)
	return len(p), nil
}
