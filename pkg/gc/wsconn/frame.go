package wsconn

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// Коды операций шлюза координатора.
const (
	opLogOnPassword uint32 = iota + 1
	opLogOnToken
	opLoggedOn
	opRefreshToken
	opGamesPlayed
	opAppLaunched
	opGCMessage
	opLogOff
	opError
)

// frame - один бинарный кадр шлюза. Поля, не нужные операции, остаются нулевыми.
type frame struct {
	Op      uint32
	AppID   uint32
	MsgType uint32
	JobID   uint64
	Name    string
	Secret  string
	Payload []byte
}

// Encode реализует bin.Encoder.
func (f *frame) Encode(b *bin.Buffer) error {
	if f == nil {
		return errors.New("nil frame")
	}
	b.PutUint32(f.Op)
	b.PutUint32(f.AppID)
	b.PutUint32(f.MsgType)
	b.PutLong(int64(f.JobID))
	b.PutString(f.Name)
	b.PutString(f.Secret)
	b.PutBytes(f.Payload)
	return nil
}

// Decode реализует bin.Decoder.
func (f *frame) Decode(b *bin.Buffer) error {
	var err error
	if f.Op, err = b.Uint32(); err != nil {
		return errors.Wrap(err, "op")
	}
	if f.AppID, err = b.Uint32(); err != nil {
		return errors.Wrap(err, "app id")
	}
	if f.MsgType, err = b.Uint32(); err != nil {
		return errors.Wrap(err, "msg type")
	}
	jobID, err := b.Long()
	if err != nil {
		return errors.Wrap(err, "job id")
	}
	f.JobID = uint64(jobID)
	if f.Name, err = b.String(); err != nil {
		return errors.Wrap(err, "name")
	}
	if f.Secret, err = b.String(); err != nil {
		return errors.Wrap(err, "secret")
	}
	if f.Payload, err = b.Bytes(); err != nil {
		return errors.Wrap(err, "payload")
	}
	return nil
}

func marshalFrame(f frame) ([]byte, error) {
	var b bin.Buffer
	if err := f.Encode(&b); err != nil {
		return nil, err
	}
	return b.Raw(), nil
}

func unmarshalFrame(data []byte) (frame, error) {
	var f frame
	if err := f.Decode(&bin.Buffer{Buf: data}); err != nil {
		return frame{}, err
	}
	return f, nil
}
