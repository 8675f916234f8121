package fileset

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func TestListCandidates(t *testing.T) {
	g := NewGomegaWithT(t)
	fsys := afero.NewMemMapFs()
	g.Expect(fsys.MkdirAll("/buf/app-dir.json", 0755)).To(Succeed())

	for _, name := range []string{"app-002.json", "APP-001.json", "app-003.txt", "other-001.json", "app-010.json"} {
		g.Expect(afero.WriteFile(fsys, filepath.Join("/buf", name), []byte("{}\n"), 0644)).To(Succeed())
	}

	m := New(fsys, zerolog.Nop())
	files, err := m.ListCandidates("/buf", "app*.json")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(files).To(Equal([]string{
		"/buf/APP-001.json",
		"/buf/app-002.json",
		"/buf/app-010.json",
	}))
}

func TestListCandidatesMissingDir(t *testing.T) {
	g := NewGomegaWithT(t)
	m := New(afero.NewMemMapFs(), zerolog.Nop())

	files, err := m.ListCandidates("/nowhere", "app*.json")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(files).To(BeEmpty())
}

func TestCompareNames(t *testing.T) {
	g := NewGomegaWithT(t)
	g.Expect(CompareNames("a-001.json", "A-002.json")).To(Equal(-1))
	g.Expect(CompareNames("B.json", "a.json")).To(Equal(1))
	g.Expect(CompareNames("Log.json", "log.JSON")).To(Equal(0))
	g.Expect(EqualNames("/Buf/Log.json", "/buf/log.json")).To(BeTrue())
}

func writeTemp(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app-001.json")
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExists(t *testing.T) {
	g := NewGomegaWithT(t)
	path := writeTemp(t, 1)
	m := NewOS(zerolog.Nop())

	g.Expect(m.Exists(path)).To(BeTrue())
	g.Expect(m.Exists(path + ".missing")).To(BeFalse())
	g.Expect(m.Exists(filepath.Dir(path))).To(BeFalse())
}

func TestExclusiveLength(t *testing.T) {
	for _, size := range []int{0, 42, 100} {
		g := NewGomegaWithT(t)
		path := writeTemp(t, size)

		n, err := NewOS(zerolog.Nop()).ExclusiveLength(path)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(n).To(Equal(int64(size)))
	}
}

func TestExclusiveLengthMissing(t *testing.T) {
	g := NewGomegaWithT(t)
	path := filepath.Join(t.TempDir(), "app-001.json")

	_, err := NewOS(zerolog.Nop()).ExclusiveLength(path)
	g.Expect(err).To(HaveOccurred())
	g.Expect(IsInUse(err)).To(BeFalse())

	var fe *FileError
	g.Expect(err).To(BeAssignableToTypeOf(fe))
}

func TestExclusiveLengthWhileHeld(t *testing.T) {
	g := NewGomegaWithT(t)
	path := writeTemp(t, 42)

	h, err := Lock(path, true)
	g.Expect(err).ToNot(HaveOccurred())
	defer h.Unlock()

	_, err = NewOS(zerolog.Nop()).ExclusiveLength(path)
	g.Expect(err).To(HaveOccurred())
	g.Expect(IsInUse(err)).To(BeTrue())
}

func TestSharedLocksCoexist(t *testing.T) {
	g := NewGomegaWithT(t)
	path := writeTemp(t, 1)

	h1, err := Lock(path, true)
	g.Expect(err).ToNot(HaveOccurred())
	defer h1.Unlock()

	h2, err := Lock(path, true)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(h2.Unlock()).To(Succeed())
}

func TestLockAndDelete(t *testing.T) {
	g := NewGomegaWithT(t)
	path := writeTemp(t, 10)
	m := NewOS(zerolog.Nop())

	g.Expect(m.LockAndDelete(path)).To(Succeed())
	_, err := os.Stat(path)
	g.Expect(os.IsNotExist(err)).To(BeTrue())

	err = m.LockAndDelete(path)
	g.Expect(err).To(HaveOccurred())
	g.Expect(IsInUse(err)).To(BeFalse())
}

func TestLockAndDeleteWhileHeld(t *testing.T) {
	g := NewGomegaWithT(t)
	path := writeTemp(t, 10)
	m := NewOS(zerolog.Nop())

	h, err := Lock(path, true)
	g.Expect(err).ToNot(HaveOccurred())

	err = m.LockAndDelete(path)
	g.Expect(IsInUse(err)).To(BeTrue())
	g.Expect(m.Exists(path)).To(BeTrue())

	g.Expect(h.Unlock()).To(Succeed())
	g.Expect(m.LockAndDelete(path)).To(Succeed())
	g.Expect(m.Exists(path)).To(BeFalse())
}
