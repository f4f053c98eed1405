package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/poalegal/store"
)

func TestFileSink_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)

	a := sampleArtifact("a1")
	require.NoError(t, s.Save(context.Background(), a))

	_, err = os.Stat(filepath.Join(dir, "2026-03-14", "a1.json"))
	require.NoError(t, err)

	got, err := s.Load(context.Background(), "a1")
	require.NoError(t, err)
	if diff := cmp.Diff(a, got); diff != "" {
		t.Errorf("loaded artifact mismatch (-want +got):\n%s", diff)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "2026-03-14", ".artifact-*"))
	assert.Empty(t, leftovers)
}

func TestFileSink_Errors(t *testing.T) {
	_, err := NewFileSink("")
	assert.Error(t, err)

	s, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	bad := sampleArtifact("../escape")
	assert.Error(t, s.Save(context.Background(), bad))

	_, err = s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

type fakeS3 struct {
	mu   sync.Mutex
	objs map[string][]byte
	ct   map[string]string
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objs[key] = body
	f.ct[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	fake := &fakeS3{objs: map[string][]byte{}, ct: map[string]string{}}
	s := newS3Sink(fake, "poa-artifacts", "retrieval")

	a := sampleArtifact("a1")
	assert.Equal(t, "retrieval/date=2026-03-14/case-42/a1.json", s.Key(a))
	require.NoError(t, s.Save(context.Background(), a))

	key := "poa-artifacts/retrieval/date=2026-03-14/case-42/a1.json"
	require.Contains(t, fake.objs, key)
	assert.Equal(t, "application/json", fake.ct[key])
	assert.Contains(t, string(fake.objs[key]), `"case_id":"case-42"`)

	a.CaseID = ""
	assert.Equal(t, "retrieval/date=2026-03-14/_/a1.json", s.Key(a))
}

func TestS3Sink_PutError(t *testing.T) {
	s := newS3Sink(&fakeS3{err: errors.New("access denied")}, "b", "")
	err := s.Save(context.Background(), sampleArtifact("a1"))
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestKafkaSink(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		key, err := m.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "case-42" {
			return errors.New("unexpected key " + string(key))
		}
		if m.Topic != "poa.artifacts" {
			return errors.New("unexpected topic " + m.Topic)
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := newKafkaSink(p, "poa.artifacts")
	require.NoError(t, s.Save(context.Background(), sampleArtifact("a1")))

	err := s.Save(context.Background(), sampleArtifact("a2"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

func TestNewKafkaSink_RequiresTopic(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

type memArtifactStore struct {
	recs map[string]store.ArtifactRecord
}

func (m *memArtifactStore) SaveArtifact(_ context.Context, rec store.ArtifactRecord) error {
	m.recs[rec.ArtifactID] = rec
	return nil
}

func (m *memArtifactStore) GetArtifact(_ context.Context, id string) (*store.ArtifactRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrArtifactNotFound
	}
	return &rec, nil
}

func TestSQLiteSink(t *testing.T) {
	mem := &memArtifactStore{recs: map[string]store.ArtifactRecord{}}
	s := NewSQLiteSink(mem)

	a := sampleArtifact("a1")
	require.NoError(t, s.Save(context.Background(), a))

	rec := mem.recs["a1"]
	assert.Equal(t, "case-42", rec.CaseID)
	assert.Equal(t, "coverage_threshold_met", rec.StopReason)
	assert.InDelta(t, 0.85, rec.CoverageScore, 1e-9)

	// verdict recorded later on the row
	rec.Verdict = "valid"
	rec.VerdictConfidence = 0.9
	mem.recs["a1"] = rec

	got, err := s.Load(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "valid", got.Verdict)
	require.NotNil(t, got.VerdictConfidence)
	assert.InDelta(t, 0.9, *got.VerdictConfidence, 1e-9)
	assert.Equal(t, a.FinalArticles, got.FinalArticles)

	_, err = s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrArtifactNotFound)
}

func TestDecode_BadPayload(t *testing.T) {
	_, err := Decode(&store.ArtifactRecord{ArtifactID: "x", Payload: []byte("{")})
	assert.Error(t, err)
}
