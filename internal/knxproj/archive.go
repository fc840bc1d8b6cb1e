package knxproj

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yeka/zip"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrCorruptArchive means the bytes are not a readable ZIP container.
	ErrCorruptArchive = errors.New("corrupt project archive")

	// ErrDecryptionFailed means the nested project archive could not be
	// decrypted with the supplied password. It is recoverable: the caller
	// may ask for the password again.
	ErrDecryptionFailed = errors.New("project archive decryption failed")

	// ErrPasswordRequired is returned when a nested archive is resolved
	// without a password. Callers must gate on the password requirement
	// before resolving.
	ErrPasswordRequired = errors.New("project archive password required")

	// ErrNoProjectData means the working archive has no topology document.
	ErrNoProjectData = errors.New("no project data found")
)

const (
	topologyFile  = "0.xml"
	masterFile    = "knx_master.xml"
	hardwareFile  = "Hardware.xml"
	projectPrefix = "P-"
	makerPrefix   = "M-"

	etsPasswordSalt       = "21.project.ets.knx.org"
	etsPasswordIterations = 65536
	etsPasswordKeyLen     = 32
)

// Archive is a read-only view over an in-memory ZIP container.
type Archive struct {
	reader *zip.Reader
}

// OpenArchive opens data as a ZIP container.
func OpenArchive(data []byte) (*Archive, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return &Archive{reader: r}, nil
}

// Files returns the regular file entries of the archive.
func (a *Archive) Files() []*zip.File {
	if a == nil || a.reader == nil {
		return nil
	}
	files := make([]*zip.File, 0, len(a.reader.File))
	for _, f := range a.reader.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		files = append(files, f)
	}
	return files
}

// Find returns the first file entry whose full name satisfies match.
func (a *Archive) Find(match func(name string) bool) *zip.File {
	for _, f := range a.Files() {
		if match(f.Name) {
			return f
		}
	}
	return nil
}

// Any reports whether some file entry satisfies match.
func (a *Archive) Any(match func(name string) bool) bool {
	return a.Find(match) != nil
}

// ReadFile returns the content of an entry of this archive.
func (a *Archive) ReadFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

// Close drops the archive's references to its backing buffer.
func (a *Archive) Close() error {
	if a != nil {
		a.reader = nil
	}
	return nil
}

// isNestedProjectArchive matches the password-protected "P-xxxx.zip" entry.
func isNestedProjectArchive(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(strings.ToUpper(base), projectPrefix) &&
		strings.HasSuffix(strings.ToLower(base), ".zip")
}

// isTopologyDocument matches "0.xml" at the root or one level below a
// "P-xxxx" project folder.
func isTopologyDocument(name string) bool {
	dir, file := path.Split(name)
	if file != topologyFile {
		return false
	}
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		return true
	}
	return !strings.Contains(dir, "/") && strings.HasPrefix(dir, projectPrefix)
}

func isMasterDocument(name string) bool {
	return name == masterFile
}

// Workspace holds the archives a parse run reads from. Project is the
// working archive with the topology document; Outer still carries the
// manufacturer catalogs when the project itself was nested.
type Workspace struct {
	Outer   *Archive
	Project *Archive
}

// Close releases both archives.
func (w *Workspace) Close() error {
	if w == nil {
		return nil
	}
	if w.Project != w.Outer {
		w.Project.Close()
	}
	return w.Outer.Close()
}

// Resolver turns an uploaded project file into a Workspace.
type Resolver struct{}

// Open opens the outer archive and resolves the working archive inside it.
func (r Resolver) Open(data []byte, nested, password string) (*Workspace, error) {
	outer, err := OpenArchive(data)
	if err != nil {
		return nil, err
	}

	project, err := r.Resolve(outer, nested, password)
	if err != nil {
		outer.Close()
		return nil, err
	}

	return &Workspace{Outer: outer, Project: project}, nil
}

// Resolve returns the working archive. Without a nested entry it is the
// outer archive itself; otherwise the nested archive is decrypted into a
// fresh in-memory archive. The password is tried as given and then in its
// ETS6 derived form.
func (Resolver) Resolve(outer *Archive, nested, password string) (*Archive, error) {
	if nested == "" {
		return outer, nil
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}

	entry := outer.Find(func(name string) bool { return name == nested || path.Base(name) == nested })
	if entry == nil {
		return nil, fmt.Errorf("%w: nested archive %s missing", ErrCorruptArchive, nested)
	}

	raw, err := outer.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	inner, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: nested archive %s: %v", ErrCorruptArchive, nested, err)
	}

	for _, candidate := range passwordCandidates(password) {
		data, err := extractAll(inner, candidate)
		if errors.Is(err, ErrDecryptionFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return OpenArchive(data)
	}

	return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, nested)
}

// extractAll decrypts every entry of src and re-packs it unencrypted.
func extractAll(src *zip.Reader, password string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, f := range src.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if err := copyEntry(w, f, password); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("repack nested archive: %w", err)
	}
	return buf.Bytes(), nil
}

func copyEntry(w *zip.Writer, f *zip.File, password string) error {
	encrypted := f.IsEncrypted()
	if encrypted {
		f.SetPassword(password)
	}

	classify := func(err error) error {
		if encrypted {
			return fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, f.Name, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return classify(err)
	}
	defer rc.Close()

	dst, err := w.Create(f.Name)
	if err != nil {
		return fmt.Errorf("repack %s: %w", f.Name, err)
	}
	if _, err := io.Copy(dst, rc); err != nil {
		return classify(err)
	}
	return nil
}

func passwordCandidates(password string) []string {
	candidates := []string{password}
	if derived := etsZipPassword(password); derived != "" && derived != password {
		candidates = append(candidates, derived)
	}
	return candidates
}

// etsZipPassword derives the archive password ETS6 writes for a project
// password.
func etsZipPassword(password string) string {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(password))
	if err != nil {
		return ""
	}
	key := pbkdf2.Key(encoded, []byte(etsPasswordSalt), etsPasswordIterations, etsPasswordKeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}
