package ecmd

import (
	"github.com/distributed/ecmaster/ecfr"
)

type outgoingFrame struct {
	frame ecfr.Frame
	slots []*slot
}

// commandFramer packs queued datagrams into as few frames as fit maxLen
// bytes of datagrams each. Datagrams keep their queue order, within a frame
// and across frames.
type commandFramer struct {
	maxLen int

	frameOpen          bool
	currentFrame       outgoingFrame
	currentFrameOffset int

	frameQueue []outgoingFrame
}

func newCommandFramer(maxLen int) *commandFramer {
	return &commandFramer{maxLen: maxLen}
}

// add appends the datagram of s. The caller has made sure a single datagram
// fits an empty frame.
func (cf *commandFramer) add(s *slot) {
	dg := s.datagram()
	dbgl := dg.ByteLen()

	if cf.frameOpen && dbgl > cf.maxLen-cf.currentFrameOffset {
		cf.finishFrame()
	}
	if !cf.frameOpen {
		cf.frameOpen = true
		cf.currentFrame = outgoingFrame{}
		cf.currentFrameOffset = 0
	}

	cf.currentFrame.frame.Datagrams = append(cf.currentFrame.frame.Datagrams, dg)
	cf.currentFrame.slots = append(cf.currentFrame.slots, s)
	cf.currentFrameOffset += dbgl
}

func (cf *commandFramer) finishFrame() {
	if len(cf.currentFrame.slots) > 0 {
		cf.frameQueue = append(cf.frameQueue, cf.currentFrame)
	}
	cf.frameOpen = false
	cf.currentFrame = outgoingFrame{}
	cf.currentFrameOffset = 0
}

// frames closes the open frame and hands out everything packed so far.
func (cf *commandFramer) frames() []outgoingFrame {
	if cf.frameOpen {
		cf.finishFrame()
	}
	q := cf.frameQueue
	cf.frameQueue = nil
	return q
}
