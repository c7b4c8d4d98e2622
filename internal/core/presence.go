package core

import (
	"encoding/hex"

	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// HandleStatus applies one status change. Only a newly set EMPTY or PRESENT
// bit has an effect. Calls must not overlap.
func (r *Reader) HandleStatus(ev StatusEvent) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	changes := r.status ^ ev.State
	r.status = ev.State
	r.mu.Unlock()

	logging.Debug(logging.CatPCSC, "Status changed", map[string]any{
		"reader":  r.name,
		"state":   ev.State,
		"changes": changes,
	})

	switch {
	case changes&StatusEmpty != 0 && ev.State&StatusEmpty != 0:
		r.cardRemoved()
	case changes&StatusPresent != 0 && ev.State&StatusPresent != 0:
		r.cardInserted(ev.ATR)
	}
}

func (r *Reader) cardRemoved() {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	card := r.card
	r.card = nil
	r.generation++
	connected := r.conn != nil
	if connected {
		r.state = StateDisconnecting
	} else {
		r.state = StateNoCard
	}
	r.mu.Unlock()

	if card != nil {
		logging.Info(logging.CatCard, "Card removed", map[string]any{"reader": r.name, "atr": card.ATRHex()})
		r.emit(Event{Type: EventCardOff, Card: card.Clone()})
	}

	if !connected {
		return
	}
	if err := r.Disconnect(); err != nil {
		r.emitError(err)
	}

	r.mu.Lock()
	if r.state == StateDisconnecting {
		r.state = StateNoCard
	}
	r.mu.Unlock()
}

func (r *Reader) cardInserted(atr []byte) {
	card := &Card{
		ATR:      cloneBytes(atr),
		Standard: SelectStandardByATR(atr),
		Type:     CardTypeStandard,
	}

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.card = card
	r.generation++
	gen := r.generation
	r.state = StateConnecting
	r.mu.Unlock()

	logging.Info(logging.CatCard, "Card detected", map[string]any{
		"reader":   r.name,
		"atr":      card.ATRHex(),
		"standard": string(card.Standard),
	})

	proto, err := r.connect(ModeCard)
	if err != nil {
		r.mu.Lock()
		if r.generation == gen {
			r.card = nil
			r.state = StateNoCard
		}
		r.mu.Unlock()
		r.emitError(err)
		return
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.card.Protocol = proto
	r.state = StateCardPresent
	auto := r.autoProcessing
	aid := r.aid
	snapshot := r.card.Clone()
	r.mu.Unlock()

	if !auto {
		r.emit(Event{Type: EventCard, Card: snapshot})
		return
	}

	switch snapshot.Standard {
	case TagISO14443_3:
		r.handleISO14443_3(gen)
	case TagISO14443_4:
		r.handleISO14443_4(gen, aid, snapshot)
	}
}

// commitCard applies update to the live card when it is still the card of
// generation gen and emits a copy of the result.
func (r *Reader) commitCard(gen uint64, update func(c *Card)) {
	r.mu.Lock()
	if r.generation != gen || r.card == nil {
		r.mu.Unlock()
		logging.Debug(logging.CatCard, "Card gone before processing finished", map[string]any{"reader": r.name})
		return
	}
	update(r.card)
	snapshot := r.card.Clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventCard, Card: snapshot})
}

// current reports whether the card of generation gen is still in the field.
func (r *Reader) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == gen
}

func (r *Reader) handleISO14443_3(gen uint64) {
	resp, err := r.Transmit(apdu.GetUID(), 12)
	if err != nil {
		if r.current(gen) {
			r.emitError(nfcerror.Wrap(nfcerror.KindGetUID, nfcerror.CodeFailure, "an error occurred while reading the UID", err))
		}
		return
	}
	body, err := apdu.Check(nfcerror.KindGetUID, resp, "get UID")
	if err != nil {
		if r.current(gen) {
			r.emitError(err)
		}
		return
	}

	uid := hex.EncodeToString(body)
	logging.Info(logging.CatCard, "Card UID read", map[string]any{"reader": r.name, "uid": uid})
	r.commitCard(gen, func(c *Card) { c.UID = uid })
}

func (r *Reader) handleISO14443_4(gen uint64, source AidSource, snapshot *Card) {
	if source == nil {
		r.emitError(nfcerror.New(nfcerror.KindSelect, nfcerror.CodeAIDNotSet,
			"cannot process ISO 14443-4 tag because AID was not set"))
		return
	}
	aid, err := source.Resolve(snapshot)
	if err != nil {
		r.emitError(err)
		return
	}
	cmd, err := apdu.Select(aid)
	if err != nil {
		r.emitError(nfcerror.Wrap(nfcerror.KindSelect, nfcerror.CodeInvalidArgument, "invalid AID", err))
		return
	}

	resp, err := r.Transmit(cmd, 40)
	if err != nil {
		if r.current(gen) {
			r.emitError(nfcerror.Wrap(nfcerror.KindSelect, nfcerror.CodeFailure, "an error occurred while selecting the AID", err))
		}
		return
	}
	if len(resp) == 2 && apdu.NewStatusWord(resp[0], resp[1]) == apdu.SWFileNotFound {
		if r.current(gen) {
			e := nfcerror.Newf(nfcerror.KindSelect, nfcerror.CodeAIDNotFound, "AID %X not found", aid)
			e.SW = uint16(apdu.SWFileNotFound)
			r.emitError(e)
		}
		return
	}
	body, err := apdu.Check(nfcerror.KindSelect, resp, "select AID")
	if err != nil {
		if r.current(gen) {
			r.emitError(err)
		}
		return
	}

	data := cloneBytes(body)
	tlv := decodeTLV(data)
	logging.Info(logging.CatCard, "Application selected", map[string]any{
		"reader": r.name,
		"aid":    FixedAID(aid).String(),
		"tlv":    len(tlv),
	})
	r.commitCard(gen, func(c *Card) {
		c.Data = data
		c.TLV = tlv
	})
}
