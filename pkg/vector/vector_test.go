package vector_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/simweave/simweave/pkg/vector"
)

var _ = Describe("Cosine", func() {
	It("returns 1 for identical vectors", func() {
		v := []float32{0.5, 0.5, 0.5}
		Expect(vector.Cosine(v, v)).To(BeNumerically("~", 1.0, 1e-9))
	})

	It("returns 0 for orthogonal vectors", func() {
		a := []float32{1, 0}
		b := []float32{0, 1}
		Expect(vector.Cosine(a, b)).To(BeNumerically("~", 0.0, 1e-9))
	})

	It("returns -1 for opposite vectors", func() {
		a := []float32{1, 2, 3}
		b := []float32{-1, -2, -3}
		Expect(vector.Cosine(a, b)).To(BeNumerically("~", -1.0, 1e-9))
	})

	It("is invariant to scaling", func() {
		a := []float32{1, 2, 3}
		b := []float32{10, 20, 30}
		Expect(vector.Cosine(a, b)).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("returns 0 for mismatched lengths", func() {
		Expect(vector.Cosine([]float32{1, 2}, []float32{1, 2, 3})).To(BeZero())
	})

	It("returns 0 for empty vectors", func() {
		Expect(vector.Cosine(nil, nil)).To(BeZero())
	})

	It("returns 0 for zero-magnitude vectors", func() {
		a := []float32{0, 0, 0}
		b := []float32{1, 2, 3}
		Expect(vector.Cosine(a, b)).To(BeZero())
	})
})

var _ = Describe("Codec", func() {
	It("round-trips an embedding", func() {
		original := []float32{0.1, -2.5, 3.75, 0}

		encoded := vector.Encode(original)
		decoded, err := vector.Decode(encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(original))
	})

	It("encodes four bytes per dimension", func() {
		Expect(vector.Encode([]float32{1, 2, 3})).To(HaveLen(12))
	})

	It("rejects a truncated blob", func() {
		encoded := vector.Encode([]float32{1, 2})
		_, err := vector.Decode(encoded[:len(encoded)-1])
		Expect(err).To(HaveOccurred())
	})
})
