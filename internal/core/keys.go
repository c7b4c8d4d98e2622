package core

import (
	"bytes"
	"fmt"

	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// MIFARE Classic key parameters.
const (
	KeySlots  = 2
	KeyLength = 6
)

// LoadAuthenticationKey stores a 6-byte key in one of the reader's two
// volatile key slots.
func (r *Reader) LoadAuthenticationKey(slot int, key []byte) error {
	if err := r.checkOpen(nfcerror.KindLoadAuthenticationKey); err != nil {
		return err
	}
	if slot < 0 || slot >= KeySlots {
		return nfcerror.New(nfcerror.KindLoadAuthenticationKey, nfcerror.CodeInvalidKeyNumber, "key number must be 0 or 1")
	}
	if len(key) != KeyLength {
		return nfcerror.Newf(nfcerror.KindLoadAuthenticationKey, nfcerror.CodeInvalidKey,
			"key must be %d bytes, got %d", KeyLength, len(key))
	}

	// the slot content is unknown from here until the load succeeds
	r.mu.Lock()
	r.keys[slot] = nil
	r.mu.Unlock()

	resp, err := r.Transmit(apdu.LoadKey(byte(slot), key), 2)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindLoadAuthenticationKey, nfcerror.CodeFailure, "could not load authentication key", err)
	}
	if _, err := apdu.Check(nfcerror.KindLoadAuthenticationKey, resp, "load authentication key"); err != nil {
		return err
	}

	r.mu.Lock()
	r.keys[slot] = cloneBytes(key)
	r.mu.Unlock()

	logging.Debug(logging.CatCard, "Authentication key loaded", map[string]any{"reader": r.name, "slot": slot})
	return nil
}

// Authenticate authenticates block with a MIFARE Classic key. A key already
// resident in a slot is reused; concurrent calls with the same key share one
// load. When both slots hold other keys, slot 0 is overwritten unless it is
// in use by another authentication.
func (r *Reader) Authenticate(block int, keyType byte, key []byte, legacy bool) error {
	if err := r.checkOpen(nfcerror.KindAuthentication); err != nil {
		return err
	}
	if block < 0 || block > 0xFF {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeInvalidArgument, "block %d out of range", block)
	}
	if keyType != apdu.KeyTypeA && keyType != apdu.KeyTypeB {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeInvalidArgument, "invalid key type 0x%02X", keyType)
	}
	if len(key) != KeyLength {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeInvalidKey,
			"key must be %d bytes, got %d", KeyLength, len(key))
	}

	slot, release, err := r.keySlot(key)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "unable to load authentication key", err)
	}
	defer release()

	var cmd []byte
	if legacy {
		cmd = apdu.AuthenticateLegacy(byte(block), keyType, byte(slot))
	} else {
		cmd = apdu.Authenticate(byte(block), keyType, byte(slot))
	}

	resp, err := r.Transmit(cmd, 2)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "an error occurred while authenticating", err)
	}
	if _, err := apdu.Check(nfcerror.KindAuthentication, resp, fmt.Sprintf("authentication of block %d", block)); err != nil {
		return err
	}
	return nil
}

// keySlot returns the slot holding key, loading it when it is not resident.
// The slot is pinned until release is called, so no other load overwrites it
// while the caller's authenticate command refers to it.
func (r *Reader) keySlot(key []byte) (int, func(), error) {
	for {
		if slot, ok := r.pinResident(key); ok {
			return slot, func() { r.unpin(slot) }, nil
		}

		_, err, shared := r.loads.Do(string(key), func() (any, error) {
			// a load that settled between the check above and Do is visible now
			if _, ok := r.residentSlot(key); ok {
				return nil, nil
			}

			slot := r.reserveSlot()
			err := r.LoadAuthenticationKey(slot, key)

			r.mu.Lock()
			r.loading[slot] = false
			r.slotFree.Broadcast()
			r.mu.Unlock()
			return nil, err
		})
		if shared {
			logging.Debug(logging.CatCard, "Joined in-flight key load", map[string]any{"reader": r.name})
		}
		if err != nil {
			return 0, nil, err
		}
		// the key may have been evicted again before it could be pinned
	}
}

// residentSlot returns the slot holding key, ignoring slots being reloaded.
func (r *Reader) residentSlot(key []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.residentSlotLocked(key)
}

func (r *Reader) residentSlotLocked(key []byte) (int, bool) {
	for i, k := range r.keys {
		if k != nil && !r.loading[i] && bytes.Equal(k, key) {
			return i, true
		}
	}
	return 0, false
}

func (r *Reader) pinResident(key []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.residentSlotLocked(key)
	if ok {
		r.pins[slot]++
	}
	return slot, ok
}

func (r *Reader) unpin(slot int) {
	r.mu.Lock()
	r.pins[slot]--
	r.slotFree.Broadcast()
	r.mu.Unlock()
}

// reserveSlot picks a slot no load or authentication is using: an empty one
// when available, otherwise the lowest. It waits while every slot is busy.
// The resident key stays until the load is actually transmitted.
func (r *Reader) reserveSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		slot := -1
		for i := range r.keys {
			if r.loading[i] || r.pins[i] > 0 {
				continue
			}
			if r.keys[i] == nil {
				slot = i
				break
			}
			if slot < 0 {
				slot = i
			}
		}
		if slot >= 0 {
			r.loading[slot] = true
			return slot
		}
		r.slotFree.Wait()
	}
}
