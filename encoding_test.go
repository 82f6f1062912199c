package failcache

import (
	"context"

	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"
)

type EncodingSuite struct{}

type testRecord struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func (s *EncodingSuite) TestCodecs(t sweet.T) {
	data, _ := Int64Codec.Encode(-42)
	Expect(data).To(Equal([]byte("-42")))

	n, err := Int64Codec.Decode([]byte("17"))
	Expect(err).To(BeNil())
	Expect(n).To(Equal(int64(17)))

	_, err = Int64Codec.Decode([]byte("x"))
	Expect(err).NotTo(BeNil())

	data, _ = Float64Codec.Encode(2.5)
	Expect(data).To(Equal([]byte("2.5")))

	data, _ = BoolCodec.Encode(true)
	Expect(data).To(Equal([]byte("1")))

	b, err := BoolCodec.Decode([]byte("0"))
	Expect(err).To(BeNil())
	Expect(b).To(BeFalse())

	value, _ := StringCodec.Decode([]byte("abc"))
	Expect(value).To(Equal("abc"))
}

func (s *EncodingSuite) TestGetSetValue(t sweet.T) {
	client, store, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	Expect(SetValue(ctx, client, Int64Codec, "n", 40, 0)).To(BeNil())

	// Stored as text so the server can increment it
	_, err := client.Increment(ctx, "n", 2)
	Expect(err).To(BeNil())

	n, ok, err := GetValue(ctx, client, Int64Codec, "n")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(n).To(Equal(int64(42)))

	_, ok, err = GetValue(ctx, client, StringCodec, "missing")
	Expect(err).To(BeNil())
	Expect(ok).To(BeFalse())

	record := testRecord{Name: "a", Count: 3, Tags: []string{"x", "y"}}
	Expect(SetValue(ctx, client, JSONCodec[testRecord](), "r", record, 0)).To(BeNil())

	raw, _ := store.Value("r")
	Expect(raw).To(MatchJSON(`{"name": "a", "count": 3, "tags": ["x", "y"]}`))

	decoded, ok, err := GetValue(ctx, client, JSONCodec[testRecord](), "r")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(decoded).To(Equal(record))
}

func (s *EncodingSuite) TestGetValueDecodeError(t sweet.T) {
	client, _, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	Expect(client.Set(ctx, "b", "maybe", 0)).To(BeNil())

	_, ok, err := GetValue(ctx, client, BoolCodec, "b")
	Expect(err).NotTo(BeNil())
	Expect(ok).To(BeFalse())
}
