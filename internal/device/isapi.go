package device

// ISAPI JSON bodies. Field names follow the vendor's casing.

const (
	PathUserCheck  = "/ISAPI/Security/userCheck"
	PathAcsEvent   = "/ISAPI/AccessControl/AcsEvent"
	PathUserRecord = "/ISAPI/AccessControl/UserInfo/Record"
	PathUserSearch = "/ISAPI/AccessControl/UserInfo/Search"

	MajorEvent = 5

	MinorCardPass        = 1
	MinorFingerprintPass = 38
	MinorFacePass        = 75

	StatusOK      = "OK"
	StatusMore    = "MORE"
	StatusNoMatch = "NO MATCH"

	SubStatusEmployeeExists = "employeeNoAlreadyExist"
)

// AcsEventRequest is the body of an event search.
type AcsEventRequest struct {
	AcsEventCond AcsEventCond `json:"AcsEventCond"`
}

type AcsEventCond struct {
	SearchID             string `json:"searchID"`
	SearchResultPosition int    `json:"searchResultPosition"`
	MaxResults           int    `json:"maxResults"`
	Major                int    `json:"major"`
	Minor                int    `json:"minor"`
	StartTime            string `json:"startTime"`
	EndTime              string `json:"endTime"`
}

// AcsEventResponse is one page of event search results.
type AcsEventResponse struct {
	AcsEvent *AcsEventPage `json:"AcsEvent"`
}

type AcsEventPage struct {
	SearchID           string         `json:"searchID"`
	ResponseStatusStrg string         `json:"responseStatusStrg"`
	NumOfMatches       int            `json:"numOfMatches"`
	TotalMatches       int            `json:"totalMatches"`
	InfoList           []AcsEventInfo `json:"InfoList"`
}

type AcsEventInfo struct {
	Major            int    `json:"major"`
	Minor            int    `json:"minor"`
	Time             string `json:"time"`
	EmployeeNoString string `json:"employeeNoString,omitempty"`
	Name             string `json:"name,omitempty"`
	CardNo           string `json:"cardNo,omitempty"`
	SerialNo         int64  `json:"serialNo"`
}

// UserInfoRecordRequest creates a device-local user.
type UserInfoRecordRequest struct {
	UserInfo UserInfo `json:"UserInfo"`
}

type UserInfo struct {
	EmployeeNo string     `json:"employeeNo"`
	Name       string     `json:"name"`
	UserType   string     `json:"userType,omitempty"`
	Valid      *UserValid `json:"Valid,omitempty"`
	NumOfCard  int        `json:"numOfCard"`
	NumOfFP    int        `json:"numOfFP"`
	NumOfFace  int        `json:"numOfFace"`
}

type UserValid struct {
	Enable    bool   `json:"enable"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
}

// StatusResponse is the generic ISAPI status body.
type StatusResponse struct {
	StatusCode    int    `json:"statusCode"`
	StatusString  string `json:"statusString"`
	SubStatusCode string `json:"subStatusCode"`
	ErrorMsg      string `json:"errorMsg,omitempty"`
}

// UserSearchRequest searches device-local users by id.
type UserSearchRequest struct {
	UserInfoSearchCond UserSearchCond `json:"UserInfoSearchCond"`
}

type UserSearchCond struct {
	SearchID             string           `json:"searchID"`
	SearchResultPosition int              `json:"searchResultPosition"`
	MaxResults           int              `json:"maxResults"`
	EmployeeNoList       []EmployeeNoItem `json:"EmployeeNoList,omitempty"`
}

type EmployeeNoItem struct {
	EmployeeNo string `json:"employeeNo"`
}

type UserSearchResponse struct {
	UserInfoSearch *UserSearchPage `json:"UserInfoSearch"`
}

type UserSearchPage struct {
	SearchID           string     `json:"searchID"`
	ResponseStatusStrg string     `json:"responseStatusStrg"`
	NumOfMatches       int        `json:"numOfMatches"`
	TotalMatches       int        `json:"totalMatches"`
	UserInfo           []UserInfo `json:"UserInfo"`
}

// EventType maps a vendor minor code to an event type.
func EventType(minor int) string {
	switch minor {
	case MinorFingerprintPass:
		return EventFingerprint
	case MinorCardPass:
		return EventCard
	case MinorFacePass:
		return EventFace
	default:
		return EventAccess
	}
}
