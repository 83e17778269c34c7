package session_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleq/internal/testutils"
	"github.com/srg/bleq/pkg/session"
)

type RegistryTestSuite struct {
	testutils.MockDriverSuite

	registry *session.Registry
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.MockDriverSuite.SetupTest()
	suite.registry = session.NewRegistry(suite.Logger)
}

func (suite *RegistryTestSuite) TearDownTest() {
	suite.registry.CloseAll()
	suite.registry = nil
	suite.MockDriverSuite.TearDownTest()
}

func (suite *RegistryTestSuite) newSession(peripheralID string) *session.PeripheralSession {
	return session.New(peripheralID, suite.Driver, nil, suite.Logger)
}

func (suite *RegistryTestSuite) TestGetOrCreate() {
	// GOAL: Verify one session per peripheral identity
	//
	// TEST SCENARIO: GetOrCreate twice for the same peripheral → same session → different peripheral gets its own

	s1 := suite.registry.GetOrCreate("AA:00", suite.newSession)
	s2 := suite.registry.GetOrCreate("AA:00", suite.newSession)
	suite.Assert().Same(s1, s2, "repeated lookups MUST return the same session")

	s3 := suite.registry.GetOrCreate("BB:11", suite.newSession)
	suite.Assert().NotSame(s1, s3, "distinct peripherals MUST get distinct sessions")
	suite.Assert().Equal(2, suite.registry.Len())

	got, ok := suite.registry.Get("AA:00")
	suite.Require().True(ok, "registered session MUST be retrievable")
	suite.Assert().Same(s1, got)

	_, ok = suite.registry.Get("CC:22")
	suite.Assert().False(ok, "unknown peripheral MUST not resolve")
}

func (suite *RegistryTestSuite) TestConcurrentGetOrCreate() {
	// GOAL: Verify racing creators converge on a single session
	//
	// TEST SCENARIO: Many goroutines GetOrCreate the same peripheral → exactly one session survives

	const goroutines = 16
	results := make([]*session.PeripheralSession, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = suite.registry.GetOrCreate("AA:00", suite.newSession)
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		suite.Assert().Same(results[0], results[i], "all racers MUST observe the same session")
	}
	suite.Assert().Equal(1, suite.registry.Len(), "exactly one session MUST be registered")
}

func (suite *RegistryTestSuite) TestRemoveClosesSession() {
	// GOAL: Verify removal tears the session down
	//
	// TEST SCENARIO: Register a session → Remove → lookup fails and later requests on the old session fail

	s := suite.registry.GetOrCreate("AA:00", suite.newSession)
	suite.registry.Remove("AA:00")

	_, ok := suite.registry.Get("AA:00")
	suite.Assert().False(ok, "removed peripheral MUST not resolve")
	suite.Assert().Equal(0, suite.registry.Len())

	r := s.Connect().Result()
	suite.Assert().Error(r.Err, "closed session MUST reject further work")
}

func (suite *RegistryTestSuite) TestCloseAll() {
	// GOAL: Verify CloseAll empties the registry
	//
	// TEST SCENARIO: Register several sessions → CloseAll → registry empty

	suite.registry.GetOrCreate("AA:00", suite.newSession)
	suite.registry.GetOrCreate("BB:11", suite.newSession)
	suite.registry.GetOrCreate("CC:22", suite.newSession)
	suite.Require().Equal(3, suite.registry.Len())

	suite.registry.CloseAll()
	suite.Assert().Equal(0, suite.registry.Len(), "CloseAll MUST remove every session")
}
