package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello = "hello"
	MsgTypeMsg   = "msg"
)

// HelloMsg advertises every topic open on the sending daemon. It is sent
// when a Peer Link comes up and again whenever the local topic set grows.
type HelloMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
	ID     string   `json:"id"`
}

// ChanMsg carries one channel message to a matched peer.
type ChanMsg struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	if m.Topics == nil {
		m.Topics = []string{}
	}
	return EncodeLine(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeChanMsg(m ChanMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeMsg
	}
	return EncodeLine(m)
}

func DecodeChanMsg(data []byte) (ChanMsg, error) {
	var m ChanMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ChanMsg{}, err
	}
	if m.Type != MsgTypeMsg {
		return ChanMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Topic == "" {
		return ChanMsg{}, fmt.Errorf("missing topic")
	}
	return m, nil
}
