package trunk

// Kind identifies a trunk backend notification endpoint.
type Kind string

const (
	KindDueDateWarning1        Kind = "DUE_DATE_WARNING_1"
	KindDueDateWarning2        Kind = "DUE_DATE_WARNING_2"
	KindDueDateWarning3        Kind = "DUE_DATE_WARNING_3"
	KindDueDateWarning4        Kind = "DUE_DATE_WARNING_4"
	KindPeriodicInvoice        Kind = "PERIODIC_INVOICE"
	KindInterimInvoice         Kind = "INTERIM_INVOICE"
	KindInterimInvoiceAutoPaid Kind = "INTERIM_INVOICE_AUTO_PAYED"
	KindPrepaidRenewed         Kind = "PREPAID_RENEWED"
	KindPrepaidExpired         Kind = "PREPAID_EXPIRED"
	KindPrepaidMaxUsage        Kind = "PREPAID_MAX_USAGE"
	KindPrepaidEightyPercent   Kind = "PREPAID_EIGHTY_PERCENT"
	KindPostpaidMaxUsage       Kind = "POSTPAID_MAX_USAGE"
	KindDeallocationWarning1   Kind = "DEALLOCATION_WARNING_1"
	KindDeallocationWarning2   Kind = "DEALLOCATION_WARNING_2"
)

// Kinds lists every notification endpoint in dispatch order.
var Kinds = []Kind{
	KindDueDateWarning1, KindDueDateWarning2, KindDueDateWarning3, KindDueDateWarning4,
	KindPeriodicInvoice, KindInterimInvoice, KindInterimInvoiceAutoPaid,
	KindPrepaidRenewed, KindPrepaidExpired, KindPrepaidMaxUsage, KindPrepaidEightyPercent,
	KindPostpaidMaxUsage,
	KindDeallocationWarning1, KindDeallocationWarning2,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
