package service

import (
	"time"

	"github.com/and161185/caseflow/internal/model"
)

// seedCases installs a small set of assigned demo cases on the first read
// of an empty cache, so the client is usable offline out of the box.
func seedCases(now time.Time) []model.Case {
	mk := func(id, title, desc, name, contact string, age time.Duration, vt model.VerificationType, bank, product, addr string) model.Case {
		ts := now.Add(-age)
		return model.Case{
			ID:               id,
			Title:            title,
			Description:      desc,
			Customer:         model.Customer{Name: name, Contact: contact},
			Status:           model.StatusAssigned,
			CreatedAt:        ts,
			UpdatedAt:        ts,
			VerificationType: vt,
			BankName:         bank,
			Product:          product,
			VisitAddress:     addr,
		}
	}

	return []model.Case{
		mk("RES-001", "Residence Verification - Priya Sharma",
			"Verify the current residential address for a personal loan application.",
			"Priya Sharma", "priya.sharma@email.com", 24*time.Hour,
			model.VerifyResidence, "HDFC Bank", "Personal Loan",
			"12B, Ocean View Apartments, Marine Drive, Mumbai"),
		mk("RES-002", "Residence Verification - Raj Kumar",
			"Confirm residence details for a business loan co-applicant.",
			"Raj Kumar", "raj.kumar@email.com", 2*24*time.Hour,
			model.VerifyResidence, "ICICI Bank", "Business Loan",
			"45, Startup Lane, Koramangala, Bengaluru"),
		mk("BUS-001", "Business Verification - Gupta Enterprises",
			"Assess operational capacity at the registered business premises.",
			"Gupta Enterprises", "contact@guptaent.com", 3*24*time.Hour,
			model.VerifyBusiness, "Punjab National Bank", "Working Capital Loan",
			"17, Industrial Area, Phase 2, Chandigarh"),
		mk("BUS-002", "Office Verification - Tech Solutions Inc.",
			"Verify the physical office address and operational status.",
			"Tech Solutions Inc.", "hr@techsolutions.com", 4*24*time.Hour,
			model.VerifyOffice, "Axis Bank", "Corporate Loan",
			"Unit 501, Cyber Towers, Hitech City, Hyderabad"),
	}
}
