package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

const (
	// 单帧最大字节数（防止内存攻击）
	MaxFrameSize = 4 * 1024 * 1024
	// 单条 websocket 消息上限：最大帧的 base64 长度加上信封与 data URL 前缀
	MaxMessageSize = (MaxFrameSize+2)/3*4 + 64*1024
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrDecode         = errors.New("frame decode failed")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// DecodeImagePayload 解码 data URL（data:image/jpeg;base64,...）或裸 base64 图像
func DecodeImagePayload(payload string) (image.Image, error) {
	encoded := payload
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: malformed data url", ErrInvalidPayload)
		}
		encoded = payload[comma+1:]
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return DecodeImage(raw)
}

// DecodeImage 解码 JPEG/PNG 字节
func DecodeImage(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// EncodeImagePayload 把 JPEG 字节编码为 data URL
func EncodeImagePayload(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MJPEGDecoder 从 MJPEG 字节流中逐帧切分 JPEG（用于流式读取）
type MJPEGDecoder struct {
	buffer []byte
}

// NewMJPEGDecoder 创建新的解码器
func NewMJPEGDecoder() *MJPEGDecoder {
	return &MJPEGDecoder{buffer: make([]byte, 0, 64*1024)}
}

// Feed 向解码器输入数据
func (d *MJPEGDecoder) Feed(data []byte) {
	d.buffer = append(d.buffer, data...)
}

// Next 尝试切出下一帧，数据不足时返回 nil, nil
func (d *MJPEGDecoder) Next() ([]byte, error) {
	start := bytes.Index(d.buffer, jpegSOI)
	if start < 0 {
		// 保留最后一个字节，可能是被截断的 SOI
		if n := len(d.buffer); n > 1 {
			d.buffer = d.buffer[n-1:]
		}
		return nil, nil
	}

	end := bytes.Index(d.buffer[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if len(d.buffer)-start > MaxFrameSize {
			d.buffer = d.buffer[:0]
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, d.buffer[start:end])
	d.buffer = d.buffer[end:]
	return frame, nil
}

// Reset 重置解码器状态
func (d *MJPEGDecoder) Reset() {
	d.buffer = d.buffer[:0]
}

// BufferSize 返回当前缓冲区大小
func (d *MJPEGDecoder) BufferSize() int {
	return len(d.buffer)
}
