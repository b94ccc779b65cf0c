/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func positiveAmountValidation(amount float64) validation.RuleFunc {
	return func(value interface{}) error {
		if amount <= 0 {
			return errors.New("must be greater than zero")
		}
		return nil
	}
}

func (r *CreateReservation) ValidateCreateReservation() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.EstimatedCost, validation.Required, validation.By(positiveAmountValidation(r.EstimatedCost))),
	)
}

func (r *CaptureReservation) ValidateCaptureReservation() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ActualCost, validation.Required, validation.By(positiveAmountValidation(r.ActualCost))),
	)
}

func (a *CreateAccount) ValidateCreateAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.UserID, validation.Required),
		validation.Field(&a.Tier, validation.Required, validation.In("free", "pro", "team")),
	)
}

func (p *PublishDocument) ValidatePublishDocument() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.DocumentID, validation.Required),
		validation.Field(&p.Content, validation.Required),
	)
}
