package knxproj

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

var (
	// ErrKeyringUnreadable is reported alongside an empty or partial key map
	// when the keyring cannot be opened or parsed.
	ErrKeyringUnreadable = errors.New("keyring unreadable")

	// ErrKeyringPassword means no encrypted keyring entry could be decrypted
	// with the supplied password.
	ErrKeyringPassword = errors.New("keyring password incorrect")
)

// KeyringResolver extracts device tool keys from a keyring container.
type KeyringResolver struct{}

// Resolve maps device individual addresses to tool keys. The container is
// either a password-protected ZIP of XML documents or a bare keyring XML
// document. Keys are supplementary: the returned map is never nil, and a
// non-nil error only explains why it is empty or incomplete. A wrong
// password for an encrypted keyring is reported as ErrKeyringPassword.
func (KeyringResolver) Resolve(data []byte, password string) (map[string]string, error) {
	keys := make(map[string]string)
	if len(data) == 0 {
		return keys, fmt.Errorf("%w: empty file", ErrKeyringUnreadable)
	}

	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if bytes.HasPrefix(trimmed, []byte("<")) {
		doc, err := parseXML(trimmed)
		if err != nil {
			return keys, fmt.Errorf("%w: %v", ErrKeyringUnreadable, err)
		}
		collectDeviceKeys(doc, keys)
		return keys, nil
	}

	archive, err := OpenArchive(data)
	if err != nil {
		return keys, fmt.Errorf("%w: %v", ErrKeyringUnreadable, err)
	}
	defer archive.Close()

	var errs []error
	decrypted, locked := 0, 0
	for _, f := range archive.Files() {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		if f.IsEncrypted() {
			f.SetPassword(password)
		}
		content, err := archive.ReadFile(f)
		if err != nil {
			if f.IsEncrypted() {
				locked++
			}
			errs = append(errs, err)
			continue
		}
		if f.IsEncrypted() {
			decrypted++
		}
		doc, err := parseXML(content)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", f.Name, err))
			continue
		}
		collectDeviceKeys(doc, keys)
	}

	if locked > 0 && decrypted == 0 && len(keys) == 0 {
		return keys, fmt.Errorf("%w: %w", ErrKeyringPassword, errors.Join(errs...))
	}
	if len(errs) > 0 {
		return keys, fmt.Errorf("%w: %w", ErrKeyringUnreadable, errors.Join(errs...))
	}
	return keys, nil
}

func collectDeviceKeys(doc *xmlquery.Node, keys map[string]string) {
	for _, device := range xmlquery.Find(doc, "//*[local-name()='Device']") {
		addr := strings.TrimSpace(device.SelectAttr("IndividualAddress"))
		key := strings.TrimSpace(device.SelectAttr("ToolKey"))
		if addr == "" || key == "" {
			continue
		}
		keys[EncodePhysicalAddress(addr)] = key
	}
}
