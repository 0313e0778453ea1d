package wefax

import "encoding/binary"

// Binary message types sent to clients
const (
	MsgImageLine     byte = 0x01
	MsgState         byte = 0x02
	MsgImageComplete byte = 0x03
)

// EncodeLine builds [type:1][line_number:4][width:4][pixel_data:width]
func EncodeLine(row int, pix []byte) []byte {
	msg := make([]byte, 9+len(pix))
	msg[0] = MsgImageLine
	binary.BigEndian.PutUint32(msg[1:5], uint32(row))
	binary.BigEndian.PutUint32(msg[5:9], uint32(len(pix)))
	copy(msg[9:], pix)
	return msg
}

// EncodeState builds [type:1][action:1]
func EncodeState(a Action) []byte {
	return []byte{MsgState, byte(a)}
}

// EncodeImageComplete builds [type:1][height:4][width:4][reason_len:1][reason]
func EncodeImageComplete(img *Image) []byte {
	reason := string(img.Reason)
	if len(reason) > 255 {
		reason = reason[:255]
	}
	msg := make([]byte, 10+len(reason))
	msg[0] = MsgImageComplete
	binary.BigEndian.PutUint32(msg[1:5], uint32(img.Height))
	binary.BigEndian.PutUint32(msg[5:9], uint32(img.Width))
	msg[9] = byte(len(reason))
	copy(msg[10:], reason)
	return msg
}
