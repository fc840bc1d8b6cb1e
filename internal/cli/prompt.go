package cli

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/JonMunkholm/knximport/internal/importer"
)

// inputSource answers requirements from flags, then from the terminal.
// Each flag value is offered once; a rejected value is asked for again.
type inputSource struct {
	flags   map[importer.RequirementType]string
	noInput bool
	in      io.Reader
	lines   *bufio.Reader
	out     io.Writer
}

func newInputSource(opts *importOptions, in io.Reader, out io.Writer) *inputSource {
	return &inputSource{
		flags: map[importer.RequirementType]string{
			importer.RequireArchivePassword: opts.password,
			importer.RequireKeyringFile:     opts.keyring,
			importer.RequireKeyringPassword: opts.keyringPassword,
		},
		noInput: opts.noInput,
		in:      in,
		lines:   bufio.NewReader(in),
		out:     out,
	}
}

var requirementFlags = map[importer.RequirementType]string{
	importer.RequireArchivePassword: "--password",
	importer.RequireKeyringFile:     "--keyring",
	importer.RequireKeyringPassword: "--keyring-password",
}

// value returns the encoded input for req.
func (s *inputSource) value(req importer.Requirement) (string, error) {
	if v := s.flags[req.Type]; v != "" {
		delete(s.flags, req.Type)
		return encodeInput(req.Type, v)
	}

	if s.noInput {
		return "", fmt.Errorf("project needs %s: pass %s", req.Type, requirementFlags[req.Type])
	}

	if req.Type.IsPassword() && req.RemainingAttempts < importer.DefaultPasswordAttempts {
		fmt.Fprintf(s.out, "Incorrect password, %d attempts remaining.\n", req.RemainingAttempts)
	}
	fmt.Fprintln(s.out, req.Prompt)

	v, err := s.read(req.Type)
	if err != nil {
		return "", err
	}
	return encodeInput(req.Type, v)
}

func (s *inputSource) read(t importer.RequirementType) (string, error) {
	label := "Path: "
	if t.IsPassword() {
		label = "Password: "
	}
	fmt.Fprint(s.out, label)

	if f, ok := s.in.(*os.File); ok && t.IsPassword() && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(s.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := s.lines.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("no %s provided", t)
		}
		return "", err
	}
	if line == "" {
		return "", fmt.Errorf("no %s provided", t)
	}
	return line, nil
}

// encodeInput turns a raw flag or prompt value into an importer input value.
// The keyring is given as a path and sent as base64.
func encodeInput(t importer.RequirementType, v string) (string, error) {
	if t != importer.RequireKeyringFile {
		return v, nil
	}
	raw, err := os.ReadFile(strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("read keyring: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
