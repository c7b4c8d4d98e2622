package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/mifare"
)

// defaultMaxLen is the receive size used for transmit requests without maxLen:
// a short APDU response plus its status word.
const defaultMaxLen = 258

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondError(w, http.StatusBadRequest, "invalid path")
		return
	}

	index, err := strconv.Atoi(parts[2])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid reader index")
		return
	}
	readers := s.nfc.Readers()
	if index < 0 || index >= len(readers) {
		respondError(w, http.StatusNotFound, "reader index out of range")
		return
	}
	reader := readers[index]

	if len(parts) == 3 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		respondJSON(w, http.StatusOK, newReaderView(index, reader))
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	switch endpoint := strings.Join(parts[3:], "/"); endpoint {
	case "transmit":
		handleTransmit(w, r, reader)
	case "read":
		handleRead(w, r, reader)
	case "write":
		handleWrite(w, r, reader)
	case "authenticate":
		handleAuthenticate(w, r, reader)
	case "ultralight-c/authenticate":
		handleUltralightAuthenticate(w, r, reader)
	case "ultralight-c/read":
		handleUltralightRead(w, r, reader)
	case "ultralight-c/write":
		handleUltralightWrite(w, r, reader)
	case "ultralight-c/auth0", "ultralight-c/auth1":
		handleUltralightAuthConfig(w, r, reader, endpoint)
	case "ultralight-c/key":
		handleUltralightKey(w, r, reader)
	case "led":
		handleLED(w, r, reader)
	case "buzzer":
		handleBuzzer(w, r, reader)
	case "picc":
		handlePICC(w, r, reader)
	case "autopoll":
		handleAutoPoll(w, r, reader)
	default:
		respondError(w, http.StatusNotFound, "unknown endpoint")
	}
}

// decodeBody decodes the JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeHex parses a hex field, ignoring spaces.
func decodeHex(w http.ResponseWriter, field, s string) ([]byte, bool) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		respondError(w, http.StatusBadRequest, field+" must be a hex string")
		return nil, false
	}
	return b, true
}

func handleTransmit(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		APDU   string `json:"apdu"`
		MaxLen int    `json:"maxLen"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, ok := decodeHex(w, "apdu", req.APDU)
	if !ok {
		return
	}
	if len(cmd) == 0 {
		respondError(w, http.StatusBadRequest, "apdu must not be empty")
		return
	}
	if req.MaxLen <= 0 {
		req.MaxLen = defaultMaxLen
	}

	resp, err := reader.Transmit(cmd, req.MaxLen)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Transmit failed", map[string]any{"reader": reader.Name(), "error": err.Error()})
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": upperHex(resp)})
}

func transferOptions(blockSize, packetSize int) []core.TransferOption {
	var opts []core.TransferOption
	if blockSize > 0 {
		opts = append(opts, core.WithBlockSize(blockSize))
	}
	if packetSize > 0 {
		opts = append(opts, core.WithPacketSize(packetSize))
	}
	return opts
}

func handleRead(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Block      int `json:"block"`
		Length     int `json:"length"`
		BlockSize  int `json:"blockSize"`
		PacketSize int `json:"packetSize"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	data, err := reader.Read(req.Block, req.Length, transferOptions(req.BlockSize, req.PacketSize)...)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Read failed", map[string]any{
			"reader": reader.Name(),
			"block":  req.Block,
			"error":  err.Error(),
		})
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"block": req.Block,
		"data":  upperHex(data),
	})
}

func handleWrite(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Block     int    `json:"block"`
		Data      string `json:"data"`
		BlockSize int    `json:"blockSize"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	data, ok := decodeHex(w, "data", req.Data)
	if !ok {
		return
	}

	if err := reader.Write(req.Block, data, transferOptions(req.BlockSize, 0)...); err != nil {
		logging.Debug(logging.CatHTTP, "Write failed", map[string]any{
			"reader": reader.Name(),
			"block":  req.Block,
			"error":  err.Error(),
		})
		respondReaderError(w, err)
		return
	}
	logging.Info(logging.CatCard, "Blocks written", map[string]any{
		"reader": reader.Name(),
		"block":  req.Block,
		"len":    len(data),
	})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// parseKeyType converts "A" or "B" to the MIFARE key type byte.
func parseKeyType(kt string) (byte, bool) {
	switch strings.ToUpper(kt) {
	case "", "A":
		return apdu.KeyTypeA, true
	case "B":
		return apdu.KeyTypeB, true
	}
	return 0, false
}

func handleAuthenticate(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Block   int    `json:"block"`
		KeyType string `json:"keyType"`
		Key     string `json:"key"`
		Legacy  bool   `json:"legacy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	keyType, ok := parseKeyType(req.KeyType)
	if !ok {
		respondError(w, http.StatusBadRequest, "keyType must be A or B")
		return
	}
	key, ok := decodeHex(w, "key", req.Key)
	if !ok {
		return
	}

	if err := reader.Authenticate(req.Block, keyType, key, req.Legacy); err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func handleUltralightAuthenticate(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	key, ok := decodeHex(w, "key", req.Key)
	if !ok {
		return
	}

	if err := mifare.NewUltralightC(reader).Authenticate(key); err != nil {
		logging.Warn(logging.CatCard, "Ultralight C authentication failed", map[string]any{
			"reader": reader.Name(),
			"error":  err.Error(),
		})
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func handleUltralightRead(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Page int `json:"page"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Page < 0 || req.Page >= mifare.NumPages {
		respondError(w, http.StatusBadRequest, "page out of range")
		return
	}

	data, err := mifare.NewUltralightC(reader).ReadPages(byte(req.Page))
	if err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"page": req.Page,
		"data": upperHex(data),
	})
}

func handleUltralightWrite(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Page int    `json:"page"`
		Data string `json:"data"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Page < 0 || req.Page >= mifare.NumPages {
		respondError(w, http.StatusBadRequest, "page out of range")
		return
	}
	data, ok := decodeHex(w, "data", req.Data)
	if !ok {
		return
	}

	if err := mifare.NewUltralightC(reader).WritePage(byte(req.Page), data); err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleUltralightAuthConfig writes AUTH0 (first protected page) or AUTH1
// (access restriction).
func handleUltralightAuthConfig(w http.ResponseWriter, r *http.Request, reader *core.Reader, endpoint string) {
	var req struct {
		Value int `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	u := mifare.NewUltralightC(reader)
	var err error
	if endpoint == "ultralight-c/auth0" {
		err = u.WriteAuth0(req.Value)
	} else {
		err = u.WriteAuth1(req.Value)
	}
	if err != nil {
		respondReaderError(w, err)
		return
	}
	logging.Info(logging.CatCard, "Ultralight C access configured", map[string]any{
		"reader": reader.Name(),
		"field":  strings.TrimPrefix(endpoint, "ultralight-c/"),
		"value":  req.Value,
	})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func handleUltralightKey(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	key, ok := decodeHex(w, "key", req.Key)
	if !ok {
		return
	}

	if err := mifare.NewUltralightC(reader).WriteKey(key); err != nil {
		respondReaderError(w, err)
		return
	}
	logging.Info(logging.CatCard, "Ultralight C key written", map[string]any{"reader": reader.Name()})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func vendorOf(w http.ResponseWriter, reader *core.Reader) (core.VendorExtensions, bool) {
	v := reader.Vendor()
	if v == nil {
		respondError(w, http.StatusNotImplemented, "reader has no vendor extensions")
		return nil, false
	}
	return v, true
}

func handleLED(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	v, ok := vendorOf(w, reader)
	if !ok {
		return
	}
	var req struct {
		LED      int    `json:"led"`
		Blinking string `json:"blinking"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LED < 0 || req.LED > 0xFF {
		respondError(w, http.StatusBadRequest, "led must be a byte")
		return
	}
	blinking, ok := decodeHex(w, "blinking", req.Blinking)
	if !ok {
		return
	}

	resp, err := v.LED(byte(req.LED), blinking)
	if err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": upperHex(resp)})
}

func handleBuzzer(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	v, ok := vendorOf(w, reader)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := v.SetBuzzerOutput(req.Enabled)
	if err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": upperHex(resp)})
}

func handlePICC(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	v, ok := vendorOf(w, reader)
	if !ok {
		return
	}
	var req struct {
		PICC int `json:"picc"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PICC < 0 || req.PICC > 0xFF {
		respondError(w, http.StatusBadRequest, "picc must be a byte")
		return
	}

	resp, err := v.SetPICC(byte(req.PICC))
	if err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": upperHex(resp)})
}

// handleAutoPoll starts reader polling; the raw reader response is returned.
func handleAutoPoll(w http.ResponseWriter, r *http.Request, reader *core.Reader) {
	v, ok := vendorOf(w, reader)
	if !ok {
		return
	}

	resp, err := v.InAutoPoll()
	if err != nil {
		respondReaderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": upperHex(resp)})
}
