package tsdemux

import (
	"github.com/zsiec/ccx"
)

// CaptionHandler receives decoded CEA-608/708 captions. Caption PTS is in
// microseconds.
type CaptionHandler func(*ccx.CaptionFrame)

// captionDecoder pulls caption data out of H.264 SEI NAL units. CEA-608
// channels 1-4 keep their numbers; CEA-708 services 1-6 are reported as
// channels 7-12.
type captionDecoder struct {
	handle CaptionHandler
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// CEA-608 control codes are sent twice; the repeat is dropped.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
	frames        int64
}

func newCaptionDecoder(h CaptionHandler) *captionDecoder {
	d := &captionDecoder{
		handle: h,
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	return d
}

// frame advances the video frame counter used for control code dedup.
func (d *captionDecoder) frame() { d.frames++ }

func (d *captionDecoder) sei(nal []byte, ptsUs int64) {
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if f < 0 || f > 1 {
			continue
		}
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastWasCtrl[f] && d.lastCtrl[f] == cp && d.frames-d.lastCtrlFrame[f] <= 2 {
				d.lastWasCtrl[f] = false
				continue
			}
			d.lastCtrl[f] = cp
			d.lastWasCtrl[f] = true
			d.lastCtrlFrame[f] = d.frames
		} else {
			d.lastWasCtrl[f] = false
		}

		dec := d.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			d.handle(&ccx.CaptionFrame{
				PTS:     ptsUs,
				Text:    text,
				Channel: pair.Channel,
				Regions: dec.StyledRegions(),
			})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(ptsUs)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}
}

func (d *captionDecoder) drainDTVCC(ptsUs int64) {
	if len(d.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			d.handle(&ccx.CaptionFrame{
				PTS:     ptsUs,
				Text:    text,
				Channel: block.ServiceNum + 6,
				Regions: svc.StyledRegions(),
			})
		}
	}
	d.dtvcc = d.dtvcc[size:]
}
