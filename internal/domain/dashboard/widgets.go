package dashboard

import (
	"time"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
)

// Widget units.
const (
	UnitCount    = "count"
	UnitCurrency = "currency"
	UnitPercent  = "percent"
)

// Scope is what a widget query may filter on.
type Scope struct {
	DayStart time.Time
	DayEnd   time.Time
	UserID   string
}

// Widget is one dashboard tile backed by a single-value SQL query. The query
// returns float8.
type Widget struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
	SQL   string `json:"-"`
	// Args picks the query parameters from the scope.
	Args func(Scope) []interface{} `json:"-"`
}

func noArgs(Scope) []interface{}  { return nil }
func today(s Scope) []interface{} { return []interface{}{s.DayStart, s.DayEnd} }
func mine(s Scope) []interface{}  { return []interface{}{s.UserID} }
func myDay(s Scope) []interface{} { return []interface{}{s.DayStart, s.DayEnd, s.UserID} }

var (
	patientsTotal = Widget{
		ID: "patients_total", Label: "Registered patients", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM patient WHERE active`,
	}
	registrationsToday = Widget{
		ID: "registrations_today", Label: "Registrations today", Unit: UnitCount, Args: today,
		SQL: `SELECT COUNT(*)::float8 FROM patient WHERE created_at >= $1 AND created_at < $2`,
	}
	admittedPatients = Widget{
		ID: "admitted_patients", Label: "Admitted patients", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM encounter WHERE status = 'admitted'`,
	}
	bedOccupancy = Widget{
		ID: "bed_occupancy", Label: "Bed occupancy", Unit: UnitPercent, Args: noArgs,
		SQL: `SELECT COALESCE(100.0 * COUNT(*) FILTER (WHERE status = 'occupied') / NULLIF(COUNT(*), 0), 0)::float8 FROM bed`,
	}
	availableBeds = Widget{
		ID: "available_beds", Label: "Available beds", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM bed WHERE status = 'available'`,
	}
	appointmentsToday = Widget{
		ID: "appointments_today", Label: "Appointments today", Unit: UnitCount, Args: today,
		SQL: `SELECT COUNT(*)::float8 FROM appointment
			WHERE scheduled_at >= $1 AND scheduled_at < $2 AND status <> 'cancelled'`,
	}
	awaitingCheckIn = Widget{
		ID: "awaiting_check_in", Label: "Awaiting check-in", Unit: UnitCount, Args: today,
		SQL: `SELECT COUNT(*)::float8 FROM appointment
			WHERE scheduled_at >= $1 AND scheduled_at < $2 AND status = 'booked'`,
	}
	myAppointmentsToday = Widget{
		ID: "my_appointments_today", Label: "My appointments today", Unit: UnitCount, Args: myDay,
		SQL: `SELECT COUNT(*)::float8 FROM appointment
			WHERE scheduled_at >= $1 AND scheduled_at < $2 AND doctor_id = $3 AND status <> 'cancelled'`,
	}
	myOpenConsultations = Widget{
		ID: "my_open_consultations", Label: "My open consultations", Unit: UnitCount, Args: mine,
		SQL: `SELECT COUNT(*)::float8 FROM encounter WHERE doctor_id = $1 AND status = 'in-progress'`,
	}
	myInpatients = Widget{
		ID: "my_inpatients", Label: "My inpatients", Unit: UnitCount, Args: mine,
		SQL: `SELECT COUNT(*)::float8 FROM encounter WHERE doctor_id = $1 AND status = 'admitted'`,
	}
	myPendingResults = Widget{
		ID: "my_pending_results", Label: "Lab results pending", Unit: UnitCount, Args: mine,
		SQL: `SELECT COUNT(*)::float8 FROM lab_order
			WHERE ordered_by = $1 AND status IN ('ordered', 'collected', 'in-progress')`,
	}
	statLabOrders = Widget{
		ID: "stat_lab_orders", Label: "STAT lab orders open", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM lab_order
			WHERE priority = 'stat' AND status IN ('ordered', 'collected', 'in-progress')`,
	}
	awaitingDispense = Widget{
		ID: "awaiting_dispense", Label: "Prescriptions awaiting dispense", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM prescription WHERE status = 'reserved'`,
	}
	dispensedToday = Widget{
		ID: "dispensed_today", Label: "Dispensed today", Unit: UnitCount, Args: today,
		SQL: `SELECT COUNT(*)::float8 FROM prescription WHERE dispensed_at >= $1 AND dispensed_at < $2`,
	}
	lowStockDrugs = Widget{
		ID: "low_stock_drugs", Label: "Drugs at or below reorder level", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM drug_formulary
			WHERE active AND stock_quantity - reserved_quantity <= reorder_level`,
	}
	expiredReservations = Widget{
		ID: "expired_reservations", Label: "Expired reservations", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM prescription WHERE status = 'expired'`,
	}
	labOrdered = Widget{
		ID: "lab_awaiting_collection", Label: "Awaiting sample collection", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM lab_order WHERE status = 'ordered'`,
	}
	labInProgress = Widget{
		ID: "lab_in_progress", Label: "Samples in progress", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM lab_order WHERE status IN ('collected', 'in-progress')`,
	}
	labCompletedToday = Widget{
		ID: "lab_completed_today", Label: "Results released today", Unit: UnitCount, Args: today,
		SQL: `SELECT COUNT(*)::float8 FROM lab_order WHERE status = 'completed' AND result_at >= $1 AND result_at < $2`,
	}
	unpaidInvoices = Widget{
		ID: "unpaid_invoices", Label: "Unpaid invoices", Unit: UnitCount, Args: noArgs,
		SQL: `SELECT COUNT(*)::float8 FROM invoice WHERE status IN ('unpaid', 'partial')`,
	}
	outstandingBalance = Widget{
		ID: "outstanding_balance", Label: "Outstanding balance", Unit: UnitCurrency, Args: noArgs,
		SQL: `SELECT COALESCE(SUM(balance), 0)::float8 FROM invoice WHERE status IN ('unpaid', 'partial')`,
	}
	collectedToday = Widget{
		ID: "collected_today", Label: "Payments collected today", Unit: UnitCurrency, Args: today,
		SQL: `SELECT COALESCE(SUM(amount), 0)::float8 FROM payment WHERE received_at >= $1 AND received_at < $2`,
	}
	unbilledCharges = Widget{
		ID: "unbilled_charges", Label: "Charges not yet invoiced", Unit: UnitCurrency, Args: noArgs,
		SQL: `SELECT COALESCE(SUM(amount), 0)::float8 FROM billing_item WHERE invoice_id IS NULL`,
	}
)

// Sets maps a role to its widgets, in display order.
var Sets = map[string][]Widget{
	auth.RoleAdmin: {
		patientsTotal, admittedPatients, bedOccupancy, appointmentsToday,
		collectedToday, outstandingBalance, lowStockDrugs,
	},
	auth.RoleDoctor:       {myAppointmentsToday, myOpenConsultations, myInpatients, myPendingResults},
	auth.RoleNurse:        {admittedPatients, availableBeds, statLabOrders, awaitingDispense},
	auth.RoleBilling:      {unpaidInvoices, outstandingBalance, collectedToday, unbilledCharges},
	auth.RolePharmacist:   {awaitingDispense, dispensedToday, lowStockDrugs, expiredReservations},
	auth.RoleLab:          {labOrdered, labInProgress, statLabOrders, labCompletedToday},
	auth.RoleReceptionist: {appointmentsToday, awaitingCheckIn, registrationsToday, availableBeds},
}
