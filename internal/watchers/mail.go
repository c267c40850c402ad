package watchers

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
)

const (
	maxMailBody = 8 << 10
	// maxMailRead bounds how much of a message is scanned for its text part.
	maxMailRead = 1 << 20
	// maxMIMEDepth bounds multipart nesting.
	maxMIMEDepth = 4
)

var errNoTextPart = errors.New("no text/plain part")

// MailSource reads unread important messages from a Maildir: everything in
// new/ and anything in cur/ without the S (seen) flag. A message is
// important when it is flagged (F), carries a high Importance, X-Priority
// or Priority header, or comes from a known contact; IncludeAll turns the
// filter off. The Message-Id header is the origin ref.
type MailSource struct {
	root       string
	includeAll bool
	contacts   []string
	logger     *slog.Logger
}

func NewMailSource(cfg config.MailWatcherConfig, logger *slog.Logger) *MailSource {
	if logger == nil {
		logger = slog.Default()
	}
	var contacts []string
	for _, c := range cfg.KnownContacts {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			contacts = append(contacts, c)
		}
	}
	return &MailSource{root: cfg.Maildir, includeAll: cfg.IncludeAll, contacts: contacts, logger: logger}
}

func (m *MailSource) Name() string { return "mail" }

func (m *MailSource) Poll(ctx context.Context) ([]intake.Event, error) {
	var files []string
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(m.root, sub))
		if err != nil {
			return nil, fmt.Errorf("read maildir %s: %w", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if sub == "cur" && strings.ContainsRune(maildirFlags(e.Name()), 'S') {
				continue
			}
			files = append(files, filepath.Join(m.root, sub, e.Name()))
		}
	}
	sort.Strings(files)

	var out []intake.Event
	for _, path := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg, err := readMessage(path)
		if err != nil {
			// A malformed message must not block the rest of the maildir.
			m.logger.Warn("mail: skipping unreadable message", "path", path, "error", err)
			continue
		}
		if !m.includeAll && !m.important(msg) {
			m.logger.Debug("mail: skipping unimportant message", "path", path, "sender", msg.event.Sender)
			continue
		}
		out = append(out, msg.event)
	}
	return out, nil
}

// maildirFlags returns the flag letters after ":2," in a maildir file name.
func maildirFlags(name string) string {
	i := strings.LastIndex(name, ":2,")
	if i < 0 {
		return ""
	}
	return name[i+3:]
}

type message struct {
	event   intake.Event
	flagged bool
	header  mail.Header
}

func (m *MailSource) important(msg message) bool {
	if msg.flagged {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(msg.header.Get("Importance")), "high") {
		return true
	}
	if p := strings.TrimSpace(msg.header.Get("X-Priority")); strings.HasPrefix(p, "1") || strings.HasPrefix(p, "2") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(msg.header.Get("Priority")), "urgent") {
		return true
	}
	sender := strings.ToLower(msg.event.Sender)
	for _, c := range m.contacts {
		if sender != "" && strings.Contains(sender, c) {
			return true
		}
	}
	return false
}

var wordDecoder = new(mime.WordDecoder)

func readMessage(path string) (message, error) {
	fh, err := os.Open(path)
	if err != nil {
		return message{}, err
	}
	defer fh.Close()

	msg, err := mail.ReadMessage(bufio.NewReader(fh))
	if err != nil {
		return message{}, fmt.Errorf("parse message: %w", err)
	}
	subject, err := wordDecoder.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	from := msg.Header.Get("From")
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	body, err := textBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"),
		io.LimitReader(msg.Body, maxMailRead), 0)
	if errors.Is(err, errNoTextPart) {
		body, err = "", nil
	}
	if err != nil {
		return message{}, fmt.Errorf("read body: %w", err)
	}

	base := filepath.Base(path)
	ref := strings.TrimSpace(msg.Header.Get("Message-Id"))
	if ref == "" {
		// No Message-Id: the maildir unique name (before the flags) is stable.
		unique := base
		if i := strings.Index(unique, ":"); i >= 0 {
			unique = unique[:i]
		}
		sum := sha256.Sum256([]byte(unique))
		ref = "maildir:" + hex.EncodeToString(sum[:8])
	}
	return message{
		event: intake.Event{
			Source:    persistence.SourceMail,
			OriginRef: ref,
			Sender:    from,
			Subject:   subject,
			Content:   strings.TrimSpace(body),
		},
		flagged: strings.ContainsRune(maildirFlags(base), 'F'),
		header:  msg.Header,
	}, nil
}

// textBody returns the decoded text of the first text/plain part. A missing
// Content-Type means text/plain; other single-part types have no text.
func textBody(contentType, encoding string, r io.Reader, depth int) (string, error) {
	mediaType, params := "text/plain", map[string]string(nil)
	if strings.TrimSpace(contentType) != "" {
		mt, p, err := mime.ParseMediaType(contentType)
		if err != nil {
			return "", fmt.Errorf("content type %q: %w", contentType, err)
		}
		mediaType, params = mt, p
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if depth >= maxMIMEDepth {
			return "", errNoTextPart
		}
		boundary := params["boundary"]
		if boundary == "" {
			return "", fmt.Errorf("%s without boundary", mediaType)
		}
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", errNoTextPart
			}
			if err != nil {
				return "", fmt.Errorf("read part: %w", err)
			}
			// NextPart already decodes quoted-printable and drops the header.
			text, err := textBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
			if errors.Is(err, errNoTextPart) {
				continue
			}
			return text, err
		}
	}
	if mediaType != "text/plain" {
		return "", errNoTextPart
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxMailBody))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
