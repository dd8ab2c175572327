package link

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stratalabs/strata/pkg/crypto"
)

func testDraft(t *testing.T) (*Draft, *crypto.Ed25519Signer) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	d := &Draft{
		Version:          Version,
		ContainerID:      "tenant-a/jobs",
		ExpectedSequence: 0,
		PreviousHash:     GenesisHash,
		AtomHash:         strings.Repeat("a", 64),
		IntentClass:      Observation,
		PhysicsDelta:     NewDelta(0),
		Atom:             json.RawMessage(`{"type":"job.created"}`),
	}
	if err := d.Sign(signer); err != nil {
		t.Fatal(err)
	}
	return d, signer
}

func TestSigningBytesDeterministic(t *testing.T) {
	d, _ := testDraft(t)
	b1, err := d.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	b2, err := d.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != string(b2) {
		t.Fatal("signing bytes must be deterministic")
	}
}

func TestSigningBytesExcludeAuthorAndSignature(t *testing.T) {
	d, _ := testDraft(t)
	before, _ := d.SigningBytes()

	d.AuthorPubkey = strings.Repeat("f", 64)
	d.Signature = strings.Repeat("e", 128)
	after, _ := d.SigningBytes()

	if string(before) != string(after) {
		t.Fatal("author_pubkey and signature must not affect the signing payload")
	}
}

func TestSigningBytesCoverPact(t *testing.T) {
	d, _ := testDraft(t)
	before, _ := d.SigningBytes()

	d.Pact = &PactProof{PactID: "pact-1"}
	after, _ := d.SigningBytes()

	if string(before) == string(after) {
		t.Fatal("pact is part of the signing payload")
	}
}

func TestSignVerify(t *testing.T) {
	d, _ := testDraft(t)
	payload, err := d.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	ok, err := crypto.Verify(d.AuthorPubkey, d.Signature, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature produced by Sign should verify")
	}
}

func TestSignatureBreaksOnFieldChange(t *testing.T) {
	d, _ := testDraft(t)
	d.PhysicsDelta = NewDelta(5)
	payload, _ := d.SigningBytes()
	ok, err := crypto.Verify(d.AuthorPubkey, d.Signature, payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature over the old payload must not verify after a field change")
	}
}

func TestDeltaJSONIsString(t *testing.T) {
	var d Delta
	d.SetString("100000000000000000", 10)
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"100000000000000000"` {
		t.Fatalf("delta should serialize as a decimal string, got %s", b)
	}

	var back Delta
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.String() != "100000000000000000" {
		t.Fatalf("round trip lost precision: %s", back.String())
	}
}

func TestDeltaRejectsNonDecimal(t *testing.T) {
	var d Delta
	if err := json.Unmarshal([]byte(`"12.5"`), &d); err == nil {
		t.Fatal("fractional delta should be rejected")
	}
	if err := json.Unmarshal([]byte(`12`), &d); err == nil {
		t.Fatal("bare number should be rejected to avoid precision loss")
	}
}

func TestIntentClassJSON(t *testing.T) {
	for _, tc := range []struct {
		class IntentClass
		name  string
	}{
		{Observation, `"observation"`},
		{Conservation, `"conservation"`},
		{Entropy, `"entropy"`},
		{Evolution, `"evolution"`},
	} {
		b, err := json.Marshal(tc.class)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tc.name {
			t.Errorf("class %d: got %s want %s", tc.class, b, tc.name)
		}
		var back IntentClass
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if back != tc.class {
			t.Errorf("round trip: got %d want %d", back, tc.class)
		}
	}
	var c IntentClass
	if err := json.Unmarshal([]byte(`"teleportation"`), &c); err == nil {
		t.Fatal("unknown class should be rejected")
	}
	if IntentClass(9).Valid() {
		t.Fatal("class 9 should be invalid")
	}
}

func TestPactDigestBindsAtomHash(t *testing.T) {
	p := &PactProof{PactID: "pact-1"}
	d1 := p.Digest(strings.Repeat("a", 64))
	d2 := p.Digest(strings.Repeat("b", 64))
	if string(d1) == string(d2) {
		t.Fatal("pact digest must change with the atom hash")
	}
}
