package knxproj

import (
	"testing"

	"github.com/JonMunkholm/knximport/internal/knxproj/knxprojtest"
)

const testNamespace = knxprojtest.Namespace

type entry = knxprojtest.Entry

func buildZip(t *testing.T, password string, entries ...entry) []byte {
	t.Helper()
	return knxprojtest.Zip(t, password, entries...)
}

func projectXML(ns, attrs, body string) string { return knxprojtest.ProjectXML(ns, attrs, body) }

func groupAddressesXML(gas ...string) string { return knxprojtest.GroupAddresses(gas...) }

func plainProject(t *testing.T) []byte { return knxprojtest.PlainProject(t) }

func nestedProject(t *testing.T, password string, secured bool) []byte {
	return knxprojtest.NestedProject(t, password, secured)
}

func keyringXML() string { return knxprojtest.KeyringXML() }
