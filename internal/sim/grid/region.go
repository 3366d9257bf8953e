package grid

import "github.com/paulmach/orb"

var soundlinesRing = orb.Ring{
	{126.99238300323485, 37.577371838120854},
	{126.99144959449767, 37.57644501294559},
	{126.9913637638092, 37.57567973575725},
	{126.99362754821776, 37.57200629577624},
	{126.99376702308655, 37.5704246199809},
	{126.99531197547913, 37.570450131147325},
	{126.99549436569214, 37.5665468210747},
	{127.00414180755614, 37.56657233356933},
	{127.00975298881532, 37.565390245474774},
	{127.01042890548705, 37.565934518582225},
	{127.01181292533875, 37.566274687254975},
	{127.01262831687927, 37.56696352405947},
	{127.01249957084656, 37.567813931081034},
	{127.01003193855284, 37.568740863675565},
	{127.00977444648743, 37.57062870906774},
	{127.01058983802794, 37.5715045850486},
	{127.00900197029114, 37.57306923106738},
	{127.0076823234558, 37.57300120366314},
	{127.00883030891418, 37.571249476602766},
	{126.99640631675719, 37.57127498748666},
	{126.99637413024901, 37.572014799318765},
	{126.9967818260193, 37.572771610715066},
	{126.99553728103638, 37.57636848558067},
	{126.99291944503784, 37.57729531170845},
	{126.99238300323485, 37.577371838120854},
}

// SoundlinesRegion is the published installation area in central Seoul.
func SoundlinesRegion() orb.Polygon {
	ring := make(orb.Ring, len(soundlinesRing))
	copy(ring, soundlinesRing)
	return orb.Polygon{ring}
}
