package catalog

import (
	"fmt"
	"sort"
)

// MessageModel binds a message code to its payload and delivery metadata.
//
// New constructs an empty payload value ready for JSON decoding; it is nil
// for parameterless messages. RepeatSendAsMany is the retry ceiling for
// delivery attempts, defaulting to 1 (single shot).
type MessageModel struct {
	Code             byte
	New              func() any
	ResponseExpected bool
	RepeatSendAsMany int
}

// RegisterModel inserts the model for a message code. The code must already
// be registered. Re-registering a model with identical metadata is a no-op;
// differing metadata fails with ErrConflictingRegistration.
func (c *Catalog) RegisterModel(model MessageModel) error {
	if model.RepeatSendAsMany <= 0 {
		model.RepeatSendAsMany = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.codes[model.Code]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCode, model.Code)
	}
	if existing, ok := c.models[model.Code]; ok {
		if existing.ResponseExpected == model.ResponseExpected &&
			existing.RepeatSendAsMany == model.RepeatSendAsMany &&
			(existing.New == nil) == (model.New == nil) {
			return nil
		}
		return fmt.Errorf("%w: model for message code %q already registered", ErrConflictingRegistration, code.Name)
	}
	c.models[model.Code] = model
	return nil
}

// ModelByCode looks up the model registered for a message code.
func (c *Catalog) ModelByCode(value byte) (MessageModel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	model, ok := c.models[value]
	if !ok {
		return MessageModel{}, fmt.Errorf("%w: no model for %d", ErrUnknownCode, value)
	}
	return model, nil
}

// ClientInitiatableModels returns the models whose message code is
// client-initiated and which carry a payload type. They drive outbound
// message form generation.
func (c *Catalog) ClientInitiatableModels() []MessageModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []MessageModel
	for value, model := range c.models {
		code, ok := c.codes[value]
		if !ok || !code.ClientInitiated || model.New == nil {
			continue
		}
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
