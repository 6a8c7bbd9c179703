package wire

import (
	"encoding/binary"

	"go.mongodb.org/mongo-driver/bson"
)

// Encoder and Decoder isolate every BSON touch-point behind two one-method
// interfaces. The core only ever marshals/unmarshals the handshake, auth,
// and lastError command documents named in spec.md §6 — it does not
// understand BSON document structure beyond that. A collaborator that does
// not use go.mongodb.org/mongo-driver/bson (for example a pure test double)
// can be substituted without touching Conn or Client.
type Encoder interface {
	Encode(cmd any) ([]byte, error)
}

type Decoder interface {
	Decode(body []byte, into any) error
}

// BSONCodec is the default Encoder/Decoder pair, backed by the real
// mongo-go-driver bson package.
type BSONCodec struct{}

func (BSONCodec) Encode(cmd any) ([]byte, error) {
	return bson.Marshal(cmd)
}

func (BSONCodec) Decode(body []byte, into any) error {
	return bson.Unmarshal(body, into)
}

// BuildOpQuery frames a legacy OP_QUERY command message: the historical and
// still-supported way to address "<db>.$cmd", used for the ismaster
// handshake and for authentication commands. flags/numberToSkip are always
// zero for command execution; numberToReturn is -1 (exhaust-free single
// document) per convention.
func BuildOpQuery(requestID int32, fullCollectionName string, query []byte) []byte {
	// header(16) + flags(4) + cstring(collection) + numberToSkip(4) + numberToReturn(4) + query
	collBytes := append([]byte(fullCollectionName), 0)
	bodyLen := 4 + len(collBytes) + 4 + 4 + len(query)
	totalLen := headerLen + bodyLen

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], 0) // responseTo
	binary.LittleEndian.PutUint32(buf[12:16], uint32(OpQuery))

	off := headerLen
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // flags
	off += 4
	copy(buf[off:], collBytes)
	off += len(collBytes)
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // numberToSkip
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(^uint32(0))) // numberToReturn = -1
	off += 4
	copy(buf[off:], query)

	return buf
}
