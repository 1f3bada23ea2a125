package protocol

import "fmt"

// ValidationStatusOK is the only status that lets a circuit carry traffic.
const ValidationStatusOK uint8 = 0

// ConnectionValidation is exchanged right after a circuit is accepted: the
// server announces it first, the client answers with its own sizes and QoS.
type ConnectionValidation struct {
    ReceiveBufferSize uint32
    RegistrySize      uint16
    Revision          uint8
    QoS               uint16 // client reply only
}

// EncodeConnectionValidation writes the payload; fromClient appends QoS.
func EncodeConnectionValidation(b *Buffer, v ConnectionValidation, fromClient bool) {
    b.PutUint32(v.ReceiveBufferSize)
    b.PutUint16(v.RegistrySize)
    b.PutUint8(v.Revision)
    if fromClient {
        b.PutUint16(v.QoS)
    }
}

// DecodeConnectionValidation parses the payload; fromClient expects QoS.
func DecodeConnectionValidation(r *Reader, fromClient bool) (ConnectionValidation, error) {
    var v ConnectionValidation
    var err error
    if v.ReceiveBufferSize, err = r.ReadUint32(); err != nil {
        return v, fmt.Errorf("connection validation: buffer size: %w", err)
    }
    if v.RegistrySize, err = r.ReadUint16(); err != nil {
        return v, fmt.Errorf("connection validation: registry size: %w", err)
    }
    if v.Revision, err = r.ReadUint8(); err != nil {
        return v, fmt.Errorf("connection validation: revision: %w", err)
    }
    if fromClient {
        if v.QoS, err = r.ReadUint16(); err != nil {
            return v, fmt.Errorf("connection validation: qos: %w", err)
        }
    }
    return v, nil
}

// ConnectionValidated closes the handshake.
type ConnectionValidated struct {
    Status  uint8
    Message string
}

func EncodeConnectionValidated(b *Buffer, v ConnectionValidated) {
    b.PutUint8(v.Status)
    b.PutString(v.Message)
}

func DecodeConnectionValidated(r *Reader) (ConnectionValidated, error) {
    var v ConnectionValidated
    var err error
    if v.Status, err = r.ReadUint8(); err != nil {
        return v, fmt.Errorf("connection validated: status: %w", err)
    }
    if r.Remaining() > 0 {
        if v.Message, err = r.ReadString(); err != nil {
            return v, fmt.Errorf("connection validated: message: %w", err)
        }
    }
    return v, nil
}
