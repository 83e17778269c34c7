package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// MockDriverSuite provides a reusable test suite with a scripted mock
// BLE driver. Tests that need a custom profile configure s.Driver in
// their own SetupTest before calling the parent:
//
//	type WriteSuite struct {
//	    testutils.MockDriverSuite
//	}
//
//	func (s *WriteSuite) SetupTest() {
//	    s.Driver = testutils.NewMockDriver().
//	        WithService("180D").
//	        WithCharacteristic("2A39", "write", nil)
//	    s.MockDriverSuite.SetupTest()
//	}
type MockDriverSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	Driver *MockDriver
}

// SetupSuite initializes shared helpers once per suite.
func (s *MockDriverSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

// SetupTest installs a default peripheral profile when the test did
// not configure its own: a battery service (180F) plus a heart-rate
// service (180D) with notify, read and write characteristics.
func (s *MockDriverSuite) SetupTest() {
	if s.Driver == nil {
		s.Driver = NewMockDriver().
			WithService("180F").
			WithCharacteristic("2A19", "read", []byte{85}).
			WithService("180D").
			WithCharacteristic("2A37", "notify", []byte{0, 75}).
			WithCharacteristic("2A38", "read", []byte{1}).
			WithCharacteristic("2A39", "write", nil)
	}
}

// TearDownTest drops the driver so the next test starts clean.
func (s *MockDriverSuite) TearDownTest() {
	s.Driver = nil
}
