package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultMaxFileSize keeps a served file within one lump transfer.
const DefaultMaxFileSize = 8 * 1024 * 1024

// Lumps is where served file contents are stored.
type Lumps interface {
	Add(data []byte) types.LumpID
}

type ServiceOptions struct {
	Root        string
	Lumps       Lumps
	MaxFileSize int64
	Logger      logrus.FieldLogger
}

// Service exposes a directory tree read-only. Get stores a file in the
// lump store and answers with its id; List answers with the entries of a
// directory.
type Service struct {
	root    string
	lumps   Lumps
	maxSize int64
	proc    *process.Process
	log     logrus.FieldLogger
}

func NewService(store *process.Store, opts ServiceOptions) (*Service, error) {
	if opts.Lumps == nil {
		return nil, errors.New("fs: service needs a lump store")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("fs: root %q: %w", opts.Root, err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fs: root %q: %w", opts.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fs: root %q: %w", opts.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fs: root %q is not a directory", opts.Root)
	}

	proc := store.Spawn(process.SpawnOptions{})
	return &Service{
		root:    root,
		lumps:   opts.Lumps,
		maxSize: opts.MaxFileSize,
		proc:    proc,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "fs", "pid": proc.ID.Local}),
	}, nil
}

func (s *Service) Capability() process.Capability {
	return s.proc.Self.Demote(process.PermSend)
}

func (s *Service) Run(ctx context.Context) error {
	defer s.proc.Close()
	s.log.WithField("root", s.root).Info("File provider serving")
	for {
		sig, err := s.proc.Recv(ctx)
		if err != nil {
			if errors.Is(err, process.ErrMailboxClosed) {
				return nil
			}
			return err
		}
		s.handle(ctx, sig)
	}
}

func (s *Service) handle(ctx context.Context, sig process.Signal) {
	if sig.Kind != process.SignalMessage {
		sig.ReleaseCaps()
		return
	}
	if len(sig.Caps) == 0 {
		s.log.Warn("Dropping request without a reply capability")
		return
	}
	reply := sig.Caps[0]
	defer reply.Release()
	for _, c := range sig.Caps[1:] {
		c.Release()
	}

	req, err := UnmarshalRequest(sig.Payload)
	if err != nil {
		s.respond(ctx, reply, &Response{Error: &Error{Kind: InvalidRequest, Message: err.Error()}})
		return
	}

	var resp *Response
	switch req.Kind {
	case Get:
		resp = s.get(req.Target)
	case List:
		resp = s.list(req.Target)
	}
	if resp.Error != nil {
		s.log.WithFields(logrus.Fields{"target": req.Target, "error": resp.Error}).Debug("Request failed")
	}
	s.respond(ctx, reply, resp)
}

func (s *Service) get(target string) *Response {
	path, ferr := resolve(s.root, target)
	if ferr != nil {
		return &Response{Error: ferr}
	}
	f, err := os.Open(path)
	if err != nil {
		return &Response{Error: osError(err, target)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return &Response{Error: osError(err, target)}
	}
	if info.IsDir() {
		return &Response{Error: &Error{Kind: IsADirectory, Message: target}}
	}
	if !info.Mode().IsRegular() {
		return &Response{Error: &Error{Kind: Other, Message: "not a regular file"}}
	}
	if info.Size() > s.maxSize {
		return &Response{Error: &Error{Kind: Other, Message: fmt.Sprintf("file larger than %d bytes", s.maxSize)}}
	}
	data, err := io.ReadAll(io.LimitReader(f, s.maxSize+1))
	if err != nil {
		return &Response{Error: osError(err, target)}
	}
	if int64(len(data)) > s.maxSize {
		return &Response{Error: &Error{Kind: Other, Message: "file grew while reading"}}
	}
	id := s.lumps.Add(data)
	s.log.WithFields(logrus.Fields{"target": target, "lump": id}).Debug("Served file")
	return &Response{Success: &Success{Get: &id}}
}

func (s *Service) list(target string) *Response {
	path, ferr := resolve(s.root, target)
	if ferr != nil {
		return &Response{Error: ferr}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &Response{Error: osError(err, target)}
	}
	if !info.IsDir() {
		return &Response{Error: &Error{Kind: NotADirectory, Message: target}}
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return &Response{Error: osError(err, target)}
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			fi.Size = info.Size()
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return &Response{Success: &Success{List: files}}
}

func (s *Service) respond(ctx context.Context, reply process.Capability, resp *Response) {
	b, err := MarshalResponse(resp)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode response")
		return
	}
	if err := reply.Send(ctx, b); err != nil {
		s.log.WithError(err).Debug("Reply not delivered")
	}
}
