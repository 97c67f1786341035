package signaling

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SDP is the JSON shape of an RTCSessionDescription.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("missing sdp for %s", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON shape of an RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// OfferMessage carries an SDP offer, optionally addressed to one peer. From is
// stamped by the server with the sender's connection identifier.
type OfferMessage struct {
	Offer    SDP    `json:"offer"`
	TargetID string `json:"targetId,omitempty"`
	From     string `json:"from,omitempty"`
}

func (m OfferMessage) Validate() error {
	if m.Offer.Type != "offer" {
		return fmt.Errorf("stream-offer has sdp.type=%q", m.Offer.Type)
	}
	if m.Offer.SDP == "" {
		return fmt.Errorf("stream-offer missing sdp")
	}
	return nil
}

type AnswerMessage struct {
	Answer   SDP    `json:"answer"`
	TargetID string `json:"targetId,omitempty"`
	From     string `json:"from,omitempty"`
}

func (m AnswerMessage) Validate() error {
	if m.Answer.Type != "answer" {
		return fmt.Errorf("stream-answer has sdp.type=%q", m.Answer.Type)
	}
	if m.Answer.SDP == "" {
		return fmt.Errorf("stream-answer missing sdp")
	}
	return nil
}

type CandidateMessage struct {
	Candidate Candidate `json:"candidate"`
	TargetID  string    `json:"targetId,omitempty"`
	From      string    `json:"from,omitempty"`
}
