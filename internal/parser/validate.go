package parser

import "encoding/json"

// remarshal is a small helper: decoded was already unmarshaled once to
// inspect discriminator fields, so validating a concrete shape just
// re-encodes and unmarshals into the typed struct. Required-field presence
// is still checked against the original map first, since json.Unmarshal
// silently zero-fills anything absent.
func remarshal(doc map[string]any, out any) bool {
	data, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func hasNonEmptyString(doc map[string]any, key string) bool {
	v, ok := doc[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}

func hasField(doc map[string]any, key string) bool {
	_, ok := doc[key]
	return ok
}

func hasNumber(doc map[string]any, key string) bool {
	v, ok := doc[key]
	if !ok {
		return false
	}
	switch v.(type) {
	case float64, json.Number:
		return true
	default:
		return false
	}
}

func hasMap(doc map[string]any, key string) bool {
	v, ok := doc[key]
	if !ok {
		return false
	}
	_, ok = v.(map[string]any)
	return ok
}

func validateAgentInit(doc map[string]any) (AgentInit, bool) {
	required := []string{"type", "agent_id", "agent_name", "platform"}
	for _, k := range required {
		if !hasNonEmptyString(doc, k) {
			return AgentInit{}, false
		}
	}
	if !hasNumber(doc, "timestamp") {
		return AgentInit{}, false
	}
	var out AgentInit
	if !remarshal(doc, &out) {
		return AgentInit{}, false
	}
	return out, true
}

func validateAction(doc map[string]any) (Action, bool) {
	required := []string{"type", "agent_id", "session_key"}
	for _, k := range required {
		if !hasNonEmptyString(doc, k) {
			return Action{}, false
		}
	}
	if !hasMap(doc, "action") || !hasNumber(doc, "timestamp") {
		return Action{}, false
	}
	actionDoc, _ := doc["action"].(map[string]any)
	if !hasNonEmptyString(actionDoc, "tool") || !hasField(actionDoc, "parameters") || !hasField(actionDoc, "result") {
		return Action{}, false
	}
	var out Action
	if !remarshal(doc, &out) {
		return Action{}, false
	}
	return out, true
}

func validateTransaction(doc map[string]any) (Transaction, bool) {
	required := []string{"type", "agent_id", "transaction_type", "transaction_id", "details"}
	for _, k := range required {
		if !hasNonEmptyString(doc, k) {
			return Transaction{}, false
		}
	}
	if !hasNumber(doc, "timestamp") {
		return Transaction{}, false
	}
	var out Transaction
	if !remarshal(doc, &out) {
		return Transaction{}, false
	}
	return out, true
}

func validateRentalInitiated(doc map[string]any) (RentalInitiated, bool) {
	required := []string{"type", "agent_id", "rental_id", "renter", "escrow_account"}
	for _, k := range required {
		if !hasNonEmptyString(doc, k) {
			return RentalInitiated{}, false
		}
	}
	if !hasNumber(doc, "stake_usd") || !hasNumber(doc, "buffer_usd") || !hasNumber(doc, "timestamp") {
		return RentalInitiated{}, false
	}
	var out RentalInitiated
	if !remarshal(doc, &out) {
		return RentalInitiated{}, false
	}
	return out, true
}

func validateRentalCompleted(doc map[string]any) (RentalCompleted, bool) {
	if !hasNonEmptyString(doc, "type") || !hasNonEmptyString(doc, "rental_id") {
		return RentalCompleted{}, false
	}
	if !hasNumber(doc, "total_cost_usd") || !hasNumber(doc, "timestamp") {
		return RentalCompleted{}, false
	}
	if !hasMap(doc, "settlement") {
		return RentalCompleted{}, false
	}
	settlement, _ := doc["settlement"].(map[string]any)
	for _, k := range []string{"owner", "creator", "network", "treasury"} {
		if !hasNumber(settlement, k) {
			return RentalCompleted{}, false
		}
	}
	var out RentalCompleted
	if !remarshal(doc, &out) {
		return RentalCompleted{}, false
	}
	return out, true
}

func validateComms(doc map[string]any) (Comms, bool) {
	if !hasNonEmptyString(doc, "from") || !hasNonEmptyString(doc, "timestamp") || !hasNonEmptyString(doc, "text") {
		return Comms{}, false
	}
	var out Comms
	if !remarshal(doc, &out) {
		return Comms{}, false
	}
	return out, true
}
