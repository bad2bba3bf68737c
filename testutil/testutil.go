package testutil

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"

	fuzz "github.com/google/gofuzz"
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var RandSource = rand.NewSource(ginkgo.GinkgoRandomSeed())
var Rand = rand.New(RandSource)

var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New()
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

func Byf(format string, args ...interface{}) {
	ginkgo.By(fmt.Sprintf(format, args...))
	fmt.Fprintln(ginkgo.GinkgoWriter)
}

// RandBytes returns n pseudo-random bytes from the suite's seeded source.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	Rand.Read(b)
	return b
}

// ExpectBytesEqual have much less overhead for large byte chunks than
// gomega's Equal.
func ExpectBytesEqual(a, b []byte) {
	if !bytes.Equal(a, b) {
		ExpectWithOffset(1, len(a)).To(Equal(len(b)), "byte lengths differ")
		ExpectWithOffset(1, a).To(Equal(b))
	}
}

// TmpDir makes a test-scoped directory removed by the returned cleanup.
func TmpDir() (dir string, cleanup func()) {
	dir, err := ioutil.TempDir("", "carrot_test_")
	Expect(err).To(BeNil())
	return dir, func() { os.RemoveAll(dir) }
}
