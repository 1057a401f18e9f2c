package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kragentic/orchestrator/internal/crm"
)

// CustomerAPI is the subset of the customer-record client the tools need.
type CustomerAPI interface {
	CustomerByPhone(ctx context.Context, phone string) (*crm.Customer, error)
	UpdateNotes(ctx context.Context, phone, notes string) error
}

// RegisterCustomerTools adds the customer-record tools to a registry.
func RegisterCustomerTools(r *Registry, api CustomerAPI) error {
	getSchema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"phone_number": {
				Type:        "string",
				Description: "Customer phone number in E.164 format",
			},
		},
		Required: []string{"phone_number"},
	}
	if err := r.Register(Tool{
		Name:        "get_customer_info",
		Description: "Look up a customer record by phone number",
		Schema:      getSchema,
		Handler:     getCustomerInfo(api),
	}); err != nil {
		return err
	}

	updateSchema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"phone_number": {
				Type:        "string",
				Description: "Customer phone number in E.164 format",
			},
			"notes": {
				Type:        "string",
				Description: "Replacement contact notes for the customer record",
			},
		},
		Required: []string{"phone_number", "notes"},
	}
	return r.Register(Tool{
		Name:        "update_contact_notes",
		Description: "Replace the contact notes on a customer record",
		Schema:      updateSchema,
		Handler:     updateContactNotes(api),
	})
}

func getCustomerInfo(api CustomerAPI) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		phone, _ := args["phone_number"].(string)
		customer, err := api.CustomerByPhone(ctx, phone)
		if errors.Is(err, crm.ErrNotFound) {
			return fmt.Sprintf("No customer found for %s.", phone), nil
		}
		if err != nil {
			return "", fmt.Errorf("looking up customer: %w", err)
		}

		out := fmt.Sprintf("Customer: %s (phone %s)", customer.Name, customer.PhoneNumber)
		if customer.Email != "" {
			out += fmt.Sprintf(", email %s", customer.Email)
		}
		if customer.Notes != "" {
			out += ". Notes: " + customer.Notes
		}
		return out, nil
	}
}

func updateContactNotes(api CustomerAPI) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		phone, _ := args["phone_number"].(string)
		notes, _ := args["notes"].(string)

		err := api.UpdateNotes(ctx, phone, notes)
		if errors.Is(err, crm.ErrNotFound) {
			return fmt.Sprintf("No customer found for %s.", phone), nil
		}
		if err != nil {
			return "", fmt.Errorf("updating notes: %w", err)
		}
		return fmt.Sprintf("Updated contact notes for %s.", phone), nil
	}
}
