// Package screen applies upload policy checks before a video is accepted
// for relay.
package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Violation describes a policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("screen violation (%s): %s", v.Rule, v.Detail)
}

// Meta is what is known about an upload before its bytes are read.
type Meta struct {
	FileName string
	Size     int64
}

// Scanner executes policy checks on upload metadata and content.
type Scanner interface {
	ScanMeta(ctx context.Context, meta Meta) error
	ScanContent(ctx context.Context, sessionID string, r io.Reader) error
	Enforced() bool
}

// RuleScanner performs simple extension/size/content-type/signature checks.
type RuleScanner struct {
	blockedExt        map[string]struct{}
	maxFileSize       int64
	signatures        [][]byte
	requireVideo      bool
	enforceViolations bool
}

// NewRuleScannerFromEnv builds a scanner from environment variables.
// It can be disabled entirely via SCREEN_DISABLED=true.
func NewRuleScannerFromEnv() Scanner {
	if strings.EqualFold(os.Getenv("SCREEN_DISABLED"), "true") {
		return nil
	}

	s := &RuleScanner{
		blockedExt: map[string]struct{}{
			".exe": {},
			".bat": {},
			".ps1": {},
			".js":  {},
		},
		requireVideo:      !strings.EqualFold(os.Getenv("SCREEN_REQUIRE_VIDEO"), "false"),
		enforceViolations: !strings.EqualFold(os.Getenv("SCREEN_MODE"), "monitor"),
	}

	if raw := os.Getenv("SCREEN_BLOCKED_EXTENSIONS"); raw != "" {
		s.blockedExt = make(map[string]struct{})
		for _, ext := range strings.Split(raw, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.blockedExt[ext] = struct{}{}
		}
	}

	if raw := os.Getenv("SCREEN_MAX_FILE_SIZE"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.maxFileSize = v
		}
	}

	if raw := os.Getenv("SCREEN_SIGNATURES"); raw != "" {
		for _, pat := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(pat); trimmed != "" {
				s.signatures = append(s.signatures, []byte(trimmed))
			}
		}
	}

	// Keep scanner allocated even if no explicit rules were provided so we can
	// still block default executable extensions.
	return s
}

func (s *RuleScanner) Enforced() bool {
	return s.enforceViolations
}

func (s *RuleScanner) ScanMeta(_ context.Context, meta Meta) error {
	if meta.FileName != "" {
		ext := strings.ToLower(filepath.Ext(meta.FileName))
		if _, blocked := s.blockedExt[ext]; blocked {
			return &Violation{
				Rule:   "blocked_extension",
				Detail: fmt.Sprintf("files of type %q are not accepted", ext),
			}
		}
	}
	if s.maxFileSize > 0 && meta.Size > s.maxFileSize {
		return &Violation{
			Rule:   "max_file_size",
			Detail: fmt.Sprintf("video is %s; the limit is %s", humanize.IBytes(uint64(meta.Size)), humanize.IBytes(uint64(s.maxFileSize))),
		}
	}
	return nil
}

// ScanContent streams r once, sniffing its content type from the head and
// matching signatures across read boundaries.
func (s *RuleScanner) ScanContent(ctx context.Context, sessionID string, r io.Reader) error {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read upload head: %w", err)
	}
	head = head[:n]

	if s.requireVideo {
		mt := mimetype.Detect(head)
		if !strings.HasPrefix(mt.String(), "video/") {
			return &Violation{
				Rule:   "content_type",
				Detail: fmt.Sprintf("content looks like %s, not a video", mt.String()),
			}
		}
	}
	if len(s.signatures) == 0 {
		return nil
	}

	overlap := 0
	for _, sig := range s.signatures {
		if len(sig)-1 > overlap {
			overlap = len(sig) - 1
		}
	}
	window := append([]byte(nil), head...)
	buf := make([]byte, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v := s.matchSignature(sessionID, window); v != nil {
			return v
		}
		if len(window) > overlap {
			window = append(window[:0], window[len(window)-overlap:]...)
		}
		n, err := r.Read(buf)
		window = append(window, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return s.matchOrNil(sessionID, window)
		}
		if err != nil {
			return fmt.Errorf("read upload: %w", err)
		}
	}
}

func (s *RuleScanner) matchOrNil(sessionID string, data []byte) error {
	if v := s.matchSignature(sessionID, data); v != nil {
		return v
	}
	return nil
}

func (s *RuleScanner) matchSignature(sessionID string, data []byte) *Violation {
	for _, sig := range s.signatures {
		if len(sig) == 0 {
			continue
		}
		if bytes.Contains(data, sig) {
			return &Violation{
				Rule:   "signature",
				Detail: fmt.Sprintf("upload %s matched a blocked signature", sessionID),
			}
		}
	}
	return nil
}
